package manager

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/smbzfs/pkg/zfs"
)

var (
	accountNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	shareNameRe   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,79}$`)
	separatorsRe  = regexp.MustCompile(`[_.:-]{2}`)
	permsRe       = regexp.MustCompile(`^[0-7]{3,4}$`)
)

// reservedShareNames are smb.conf sections that are not shares.
var reservedShareNames = []string{"global", "homes", "printers", "print$"}

// validate is the singleton validator for option structs.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("name"); name != "" {
			return name
		}
		return strings.ToLower(f.Name)
	})
	mustRegister("username", func(fl validator.FieldLevel) bool { return ValidAccountName(fl.Field().String()) })
	mustRegister("groupname", func(fl validator.FieldLevel) bool { return ValidAccountName(fl.Field().String()) })
	mustRegister("sharename", func(fl validator.FieldLevel) bool { return ValidShareName(fl.Field().String()) })
	mustRegister("perms", func(fl validator.FieldLevel) bool { return permsRe.MatchString(fl.Field().String()) })
	mustRegister("datasetpath", func(fl validator.FieldLevel) bool { return ValidDatasetPath(fl.Field().String()) })
	mustRegister("password", func(fl validator.FieldLevel) bool { return validPassword(fl.Field().String()) })
	mustRegister("singleline", func(fl validator.FieldLevel) bool { return singleLine(fl.Field().String()) })
	mustRegister("quota", func(fl validator.FieldLevel) bool {
		_, err := zfs.ParseQuota(fl.Field().String())
		return err == nil
	})
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

// ValidAccountName reports whether name is acceptable as a user or group.
func ValidAccountName(name string) bool {
	return accountNameRe.MatchString(name)
}

// ValidShareName reports whether name is acceptable as a share: it starts
// with an alphanumeric, separators never sit next to each other or at the
// end, and it is not a reserved smb.conf section.
func ValidShareName(name string) bool {
	if !shareNameRe.MatchString(name) || separatorsRe.MatchString(name) {
		return false
	}
	for _, r := range reservedShareNames {
		if strings.EqualFold(name, r) {
			return false
		}
	}
	return !strings.ContainsAny(name[len(name)-1:], "_.:-")
}

// validPassword rejects characters that would end the line fed to
// chpasswd or smbpasswd.
func validPassword(s string) bool {
	return !strings.ContainsAny(s, "\r\n\x00")
}

// singleLine reports whether s has no control characters.
func singleLine(s string) bool {
	return !strings.ContainsFunc(s, unicode.IsControl)
}

// ValidDatasetPath reports whether p can be appended to a pool name.
func ValidDatasetPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "@# ") {
			return false
		}
	}
	return path.Clean(p) == p
}

// validateOptions runs the struct tags of opts and maps the first failure
// onto the error taxonomy.
func validateOptions(opts any) error {
	err := validate.Struct(opts)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	value := fmt.Sprint(e.Value())
	switch e.Tag() {
	case "required":
		return &MissingInputError{Detail: fmt.Sprintf("%s is required", e.Field())}
	case "username":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid user name '%s': must match %s", value, accountNameRe)}
	case "groupname":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid group name '%s': must match %s", value, accountNameRe)}
	case "sharename":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid share name '%s': must match %s without consecutive or trailing separators and must not be one of %s", value, shareNameRe, strings.Join(reservedShareNames, ", "))}
	case "password":
		return &InvalidNameError{Detail: "password must not contain line breaks or NUL characters"}
	case "singleline":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid %s %q: must not contain control characters", e.Field(), value)}
	case "perms":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid permissions '%s': expected 3 or 4 octal digits", value)}
	case "datasetpath":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid dataset path '%s': must be relative and must not contain '..'", value)}
	case "quota":
		return &InvalidNameError{Detail: fmt.Sprintf("invalid quota '%s': expected a size such as 10G or 'none'", value)}
	default:
		return &InvalidNameError{Detail: fmt.Sprintf("invalid %s '%s'", e.Field(), value)}
	}
}

// parseQuota treats an empty string as no quota.
func parseQuota(s string) (zfs.Quota, error) {
	if strings.TrimSpace(s) == "" {
		return zfs.Quota{}, nil
	}
	q, err := zfs.ParseQuota(s)
	if err != nil {
		return zfs.Quota{}, &InvalidNameError{Detail: fmt.Sprintf("invalid quota '%s': %v", s, err)}
	}
	return q, nil
}

// validUsersTokens splits a valid_users value on commas and whitespace.
func validUsersTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}
