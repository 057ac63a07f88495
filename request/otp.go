package request

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var otpSpace = big.NewInt(900000)

// GenerateOTP returns a uniformly random six-digit code in [100000, 999999].
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("request: generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
