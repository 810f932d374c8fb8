package idx

import (
	"encoding/base64"
	"fmt"
)

// OTP is the time-based one-time-passcode enrollment capability. It carries
// the QR code the user scans into their authenticator app, and the shared
// secret for manual entry when the server provides one.
//
// Only embedded QR images are supported: the authenticator must list an
// otp/totp method and its contextual data must embed the image inline.
type OTP struct {
	// MimeType is the image content type, typically "image/png".
	MimeType string

	// ImageData is the base64 payload of the embedded QR image.
	ImageData string

	// SharedSecret is the TOTP secret for manual entry, "" when the server
	// withheld it.
	SharedSecret string
}

func (*OTP) authenticatorCapability() {}

// Image decodes the embedded QR image bytes.
func (o *OTP) Image() ([]byte, error) {
	const op = "OTP.Image"
	data, err := base64.StdEncoding.DecodeString(o.ImageData)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode QR image: %w", op, ErrInvalidResponseData)
	}
	return data, nil
}
