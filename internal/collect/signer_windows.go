//go:build windows
// +build windows

package collect

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

var (
	modWintrust        = windows.NewLazySystemDLL("wintrust.dll")
	procWinVerifyTrust = modWintrust.NewProc("WinVerifyTrust")

	modCrypt32                     = windows.NewLazySystemDLL("crypt32.dll")
	procCryptQueryObject           = modCrypt32.NewProc("CryptQueryObject")
	procCryptMsgGetParam           = modCrypt32.NewProc("CryptMsgGetParam")
	procCryptMsgClose              = modCrypt32.NewProc("CryptMsgClose")
	procCertFindCertificateInStore = modCrypt32.NewProc("CertFindCertificateInStore")
	procCertGetNameString          = modCrypt32.NewProc("CertGetNameStringW")
	procCertFreeCertificateContext = modCrypt32.NewProc("CertFreeCertificateContext")
	procCertCloseStore             = modCrypt32.NewProc("CertCloseStore")
)

type winTrustData struct {
	CbStruct           uint32
	PolicyCallbackData uintptr
	SIPClientData      uintptr
	UIChoice           uint32
	RevocationChecks   uint32
	UnionChoice        uint32
	FileInfoPtr        uintptr
	StateAction        uint32
	StateData          uintptr
	URLReference       uintptr
	ProvFlags          uint32
	UIContext          uint32
	SignatureSettings  uintptr
}

type winTrustFileInfo struct {
	CbStruct     uint32
	FilePath     *uint16
	FileHandle   windows.Handle
	KnownSubject uintptr
}

type cryptDataBlob struct {
	Len  uint32
	Data *byte
}

type cryptAlgorithmIdentifier struct {
	ObjID      *byte
	Parameters cryptDataBlob
}

type cryptBitBlob struct {
	Len        uint32
	Data       *byte
	UnusedBits uint32
}

type cryptAttributes struct {
	Count uint32
	Attrs uintptr
}

// msgSignerInfo is CMSG_SIGNER_INFO: identifies the signing certificate by
// issuer and serial number within the embedded PKCS#7 message.
type msgSignerInfo struct {
	Version                 uint32
	Issuer                  cryptDataBlob
	SerialNumber            cryptDataBlob
	HashAlgorithm           cryptAlgorithmIdentifier
	HashEncryptionAlgorithm cryptAlgorithmIdentifier
	EncryptedHash           cryptDataBlob
	AuthAttrs               cryptAttributes
	UnauthAttrs             cryptAttributes
}

type certFiletime struct {
	LowDateTime  uint32
	HighDateTime uint32
}

type certPublicKeyInfo struct {
	Algorithm cryptAlgorithmIdentifier
	PublicKey cryptBitBlob
}

// certInfo is CERT_INFO. CertFindCertificateInStore with
// CERT_FIND_SUBJECT_CERT reads only Issuer and SerialNumber, but the layout
// must be complete.
type certInfo struct {
	Version              uint32
	SerialNumber         cryptDataBlob
	SignatureAlgorithm   cryptAlgorithmIdentifier
	Issuer               cryptDataBlob
	NotBefore            certFiletime
	NotAfter             certFiletime
	Subject              cryptDataBlob
	SubjectPublicKeyInfo certPublicKeyInfo
	IssuerUniqueID       cryptBitBlob
	SubjectUniqueID      cryptBitBlob
	ExtensionCount       uint32
	Extensions           uintptr
}

const (
	wtdUINone            = 2
	wtdRevokeNone        = 0
	wtdChoiceFile        = 1
	wtdStateActionVerify = 1
	wtdStateActionClose  = 2

	trustENoSignature       = 0x800B0100
	trustESubjectNotTrusted = 0x800B0004
	trustEExplicitDistrust  = 0x800B0111
	cryptESecuritySettings  = 0x80092026

	certQueryObjectFile                  = 1
	certQueryContentFlagPKCS7SignedEmbed = 1 << 10
	certQueryFormatFlagBinary            = 1 << 1

	cmsgSignerInfoParam = 6

	x509ASNEncoding  = 0x1
	pkcs7ASNEncoding = 0x10000

	certFindSubjectCert       = 0x000b0000
	certNameSimpleDisplayType = 4
)

// signerIdentity verifies the Authenticode signature of the file and returns
// the signer's display name. Any verification failure, including the plain
// absence of a signature, yields an absent signal; the evaluator treats all
// of them as unsigned.
func signerIdentity(path string) models.Signal {
	status, err := verifyTrust(path)
	if err != nil {
		return models.AbsentSignal("signature verification unavailable: " + err.Error())
	}

	switch status {
	case 0:
		// Signed and the chain verifies.
	case trustENoSignature:
		return models.AbsentSignal("unsigned executable")
	case trustEExplicitDistrust:
		return models.AbsentSignal("signature explicitly distrusted")
	case trustESubjectNotTrusted:
		return models.AbsentSignal("signature subject not trusted")
	case cryptESecuritySettings:
		return models.AbsentSignal("signature blocked by local security settings")
	default:
		return models.AbsentSignal(fmt.Sprintf("signature verification failed: 0x%08x", status))
	}

	name, err := signerName(path)
	if err != nil {
		return models.AbsentSignal("signer name unavailable: " + err.Error())
	}
	return models.PresentSignal(name)
}

// verifyTrust runs WinVerifyTrust with the generic Authenticode policy and
// returns the raw status code. 0 means the signature is present and valid.
func verifyTrust(path string) (uint32, error) {
	pathp, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	fileInfo := winTrustFileInfo{
		CbStruct: uint32(unsafe.Sizeof(winTrustFileInfo{})),
		FilePath: pathp,
	}

	// WINTRUST_ACTION_GENERIC_VERIFY_V2
	actionGUID := windows.GUID{
		Data1: 0xaac56b,
		Data2: 0xcd44,
		Data3: 0x11d0,
		Data4: [8]byte{0x8c, 0xc2, 0x00, 0xc0, 0x4f, 0xc2, 0x95, 0xee},
	}

	data := winTrustData{
		CbStruct:         uint32(unsafe.Sizeof(winTrustData{})),
		UIChoice:         wtdUINone,
		RevocationChecks: wtdRevokeNone,
		UnionChoice:      wtdChoiceFile,
		FileInfoPtr:      uintptr(unsafe.Pointer(&fileInfo)),
		StateAction:      wtdStateActionVerify,
	}

	ret, _, _ := procWinVerifyTrust.Call(
		uintptr(windows.InvalidHandle),
		uintptr(unsafe.Pointer(&actionGUID)),
		uintptr(unsafe.Pointer(&data)),
	)

	// Release verification state regardless of outcome.
	data.StateAction = wtdStateActionClose
	procWinVerifyTrust.Call(
		uintptr(windows.InvalidHandle),
		uintptr(unsafe.Pointer(&actionGUID)),
		uintptr(unsafe.Pointer(&data)),
	)

	return uint32(ret), nil
}

// signerName extracts the simple display name of the signing certificate
// from the embedded PKCS#7 signature.
func signerName(path string) (string, error) {
	pathp, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", err
	}

	var store, msg windows.Handle
	ret, _, callErr := procCryptQueryObject.Call(
		certQueryObjectFile,
		uintptr(unsafe.Pointer(pathp)),
		certQueryContentFlagPKCS7SignedEmbed,
		certQueryFormatFlagBinary,
		0,
		0, 0, 0,
		uintptr(unsafe.Pointer(&store)),
		uintptr(unsafe.Pointer(&msg)),
		0,
	)
	if ret == 0 {
		return "", callErr
	}
	defer procCertCloseStore.Call(uintptr(store), 0)
	defer procCryptMsgClose.Call(uintptr(msg))

	var infoLen uint32
	ret, _, callErr = procCryptMsgGetParam.Call(
		uintptr(msg), cmsgSignerInfoParam, 0, 0,
		uintptr(unsafe.Pointer(&infoLen)),
	)
	if ret == 0 {
		return "", callErr
	}
	infoBuf := make([]byte, infoLen)
	ret, _, callErr = procCryptMsgGetParam.Call(
		uintptr(msg), cmsgSignerInfoParam, 0,
		uintptr(unsafe.Pointer(&infoBuf[0])),
		uintptr(unsafe.Pointer(&infoLen)),
	)
	if ret == 0 {
		return "", callErr
	}
	signer := (*msgSignerInfo)(unsafe.Pointer(&infoBuf[0]))

	search := certInfo{
		Issuer:       signer.Issuer,
		SerialNumber: signer.SerialNumber,
	}
	certCtx, _, callErr := procCertFindCertificateInStore.Call(
		uintptr(store),
		x509ASNEncoding|pkcs7ASNEncoding,
		0,
		certFindSubjectCert,
		uintptr(unsafe.Pointer(&search)),
		0,
	)
	if certCtx == 0 {
		return "", callErr
	}
	defer procCertFreeCertificateContext.Call(certCtx)

	nameLen, _, _ := procCertGetNameString.Call(
		certCtx, certNameSimpleDisplayType, 0, 0, 0, 0,
	)
	if nameLen <= 1 {
		return "", errors.New("signing certificate has no display name")
	}
	buf := make([]uint16, nameLen)
	procCertGetNameString.Call(
		certCtx, certNameSimpleDisplayType, 0, 0,
		uintptr(unsafe.Pointer(&buf[0])),
		nameLen,
	)
	return windows.UTF16ToString(buf), nil
}
