// Package validation provides request validation for the scan and reporting API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxLocationPart bounds city/region/country strings.
const MaxLocationPart = 120

var (
	qrKeyRegex     = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)
	accountIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared go-playground validator with the custom
// "qrkey" and "accountid" tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("qrkey", func(fl validator.FieldLevel) bool {
			return IsValidQRKey(fl.Field().String())
		})
		_ = validate.RegisterValidation("accountid", func(fl validator.FieldLevel) bool {
			return IsValidAccountID(fl.Field().String())
		})
	})
	return validate
}

// Struct validates v using its `validate` tags and flattens the result.
func Struct(v any) ValidationErrors {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Field: "request", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "qrkey":
		return "must be 4-64 letters, digits, '-' or '_'"
	case "accountid":
		return "must be 1-64 letters, digits, '-' or '_'"
	case "ip":
		return "must be an IP address"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidQRKey reports whether s is a well-formed code key.
func IsValidQRKey(s string) bool {
	return qrKeyRegex.MatchString(s)
}

// IsValidAccountID reports whether s is a well-formed account identifier.
func IsValidAccountID(s string) bool {
	return accountIDRegex.MatchString(s)
}

// SanitizeString drops control characters and invalid UTF-8, trims
// surrounding space and caps the result at maxLen bytes without splitting a
// rune. Location names from scanners ("São Paulo", "東京") pass through intact.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.ToValidUTF8(s, ""))
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := 0
	for i, r := range s {
		end := i + utf8.RuneLen(r)
		if end > maxLen {
			break
		}
		cut = end
	}
	return strings.TrimSpace(s[:cut])
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// ParamMiddleware rejects requests whose :accountId or :qrKey path params are malformed.
// It is a no-op for routes without those params.
func ParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if acct := c.Param("accountId"); acct != "" && !IsValidAccountID(acct) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "accountId must be 1-64 letters, digits, '-' or '_'",
			})
			return
		}
		if key := c.Param("qrKey"); key != "" && !IsValidQRKey(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_qr_key",
				"message": "qrKey must be 4-64 letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
