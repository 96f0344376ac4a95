package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token formats.
const (
	FormatSAS = "sas"
	FormatJWT = "jwt"
)

// sasToken builds a shared access signature for the device resource
// "{host}/devices/{deviceID}":
//
//	SharedAccessSignature sr={resource}&sig={signature}&se={expiry}
//
// The signed string is the URL-encoded resource, a newline, and the expiry
// in Unix seconds.
func sasToken(el SecureElement, host, deviceID string, expiry time.Time) (string, error) {
	resource := url.QueryEscape(host + "/devices/" + url.PathEscape(deviceID))
	se := strconv.FormatInt(expiry.Unix(), 10)

	sig, err := el.Sign([]byte(resource + "\n" + se))
	if err != nil {
		return "", fmt.Errorf("%w: signing: %w", ErrHardwareUnavailable, err)
	}

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s",
		resource,
		url.QueryEscape(base64.StdEncoding.EncodeToString(sig)),
		se,
	), nil
}

// elementSigning is an HS256 jwt.SigningMethod whose key lives in the secure
// element. The key argument of Sign is ignored.
type elementSigning struct {
	el SecureElement
}

var _ jwt.SigningMethod = elementSigning{}

func (elementSigning) Alg() string { return jwt.SigningMethodHS256.Alg() }

func (s elementSigning) Sign(signingString string, _ interface{}) ([]byte, error) {
	return s.el.Sign([]byte(signingString))
}

func (elementSigning) Verify(string, []byte, interface{}) error {
	return errors.New("identity: element signing method cannot verify")
}

// jwtToken builds an HS256 JWT for the device, signed inside the element.
// Every token carries a fresh jti.
func jwtToken(el SecureElement, host, deviceID string, issued, expiry time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    deviceID,
		Subject:   deviceID,
		Audience:  jwt.ClaimStrings{host},
		IssuedAt:  jwt.NewNumericDate(issued),
		NotBefore: jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expiry),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(elementSigning{el: el}, claims)
	signed, err := token.SignedString(nil)
	if err != nil {
		return "", fmt.Errorf("%w: signing: %w", ErrHardwareUnavailable, err)
	}
	return signed, nil
}
