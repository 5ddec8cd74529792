package auth

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sethvargo/go-password/password"
)

// SpecialCharacters is the symbol set accepted by the password policy.
const SpecialCharacters = "!@#$%^&*()_+-=[]{}|;:,.<>?"

const (
	minPasswordLength  = 8
	tempPasswordLength = 16
)

// ValidatePassword enforces the password policy before any directory write.
func ValidatePassword(pw string) error {
	if utf8.RuneCountInString(pw) < minPasswordLength {
		return invalid("password", "must be at least 8 characters")
	}
	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(SpecialCharacters, r):
			special = true
		}
	}
	switch {
	case !upper:
		return invalid("password", "must contain an uppercase letter")
	case !lower:
		return invalid("password", "must contain a lowercase letter")
	case !digit:
		return invalid("password", "must contain a digit")
	case !special:
		return invalid("password", "must contain one of "+SpecialCharacters)
	}
	return nil
}

var tempPasswords = mustGenerator()

func mustGenerator() *password.Generator {
	g, err := password.NewGenerator(&password.GeneratorInput{Symbols: SpecialCharacters})
	if err != nil {
		panic(err)
	}
	return g
}

// GenerateTemporaryPassword returns a random password satisfying ValidatePassword.
func GenerateTemporaryPassword() (string, error) {
	for {
		pw, err := tempPasswords.Generate(tempPasswordLength, 3, 3, false, false)
		if err != nil {
			return "", err
		}
		// The generator guarantees digits and symbols, not both letter cases.
		if ValidatePassword(pw) == nil {
			return pw, nil
		}
	}
}
