package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

var (
	mobileRe     = regexp.MustCompile(`^[6-9][0-9]{9}$`)
	pincodeRe    = regexp.MustCompile(`^[1-9][0-9]{5}$`)
	personNameRe = regexp.MustCompile(`^[A-Za-z]+( [A-Za-z]+)*$`)
	placeNameRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z .\-]*$`)
)

// New returns a configured validator with the checkout tags and struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report fields by their json names so error keys match the form
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("mobile", matchString(mobileRe))
	_ = v.RegisterValidation("pincode", matchString(pincodeRe))
	_ = v.RegisterValidation("personname", matchString(personNameRe))
	_ = v.RegisterValidation("placename", matchString(placeNameRe))

	v.RegisterStructValidation(startCheckoutStructValidation, StartCheckoutRequest{})

	return v
}

func matchString(re *regexp.Regexp) validatorv10.Func {
	return func(fl validatorv10.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// startCheckoutStructValidation verifies the cart totals add up (within paise).
func startCheckoutStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(StartCheckoutRequest)

	var sum float64
	for _, it := range req.Items {
		sum += float64(it.Quantity) * it.Price
	}

	sumPaise := toPaise(sum)
	if sumPaise != toPaise(req.Summary.Subtotal) {
		sl.ReportError(req.Summary.Subtotal, "subtotal", "Subtotal", "subtotal_match_items",
			fmt.Sprintf("items sum %.2f != subtotal %.2f", sum, req.Summary.Subtotal))
	}

	expected := toPaise(req.Summary.Subtotal) + toPaise(req.Summary.Shipping) + toPaise(req.Summary.Tax)
	if expected != toPaise(req.Summary.Total) {
		sl.ReportError(req.Summary.Total, "total", "Total", "total_match_summary",
			fmt.Sprintf("subtotal+shipping+tax != total %.2f", req.Summary.Total))
	}
}

func toPaise(v float64) int64 { return int64(math.Round(v * 100)) }

// Error carries one message per offending field.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Result is the outcome of validating a delivery address.
type Result struct {
	IsValid    bool
	Errors     map[string]string
	Normalized CustomerDetails
}

// Err returns the collected field errors, or nil when the address is valid.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return &Error{Fields: r.Errors}
}

// AddressValidator checks delivery address fields before the flow may leave the address step.
type AddressValidator struct {
	v *validatorv10.Validate
}

func NewAddressValidator() *AddressValidator {
	return &AddressValidator{v: New()}
}

// Validate normalises fields and reports every failing field at once. It has no side effects.
func (a *AddressValidator) Validate(fields CustomerDetails) Result {
	normalized := Normalize(fields)
	res := Result{
		IsValid:    true,
		Errors:     map[string]string{},
		Normalized: normalized,
	}

	err := a.v.Struct(normalized)
	if err == nil {
		return res
	}

	res.IsValid = false
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		res.Errors["form"] = err.Error()
		return res
	}
	for _, fe := range ve {
		// validator stops at the first failing tag per field, so this is one entry per field
		res.Errors[fe.Field()] = message(fe)
	}
	return res
}

// Normalize trims the form and strips a country code from phone numbers.
func Normalize(d CustomerDetails) CustomerDetails {
	d.Name = strings.Join(strings.Fields(d.Name), " ")
	d.Phone = NormalizePhone(d.Phone)
	d.Email = strings.TrimSpace(d.Email)
	d.Address = strings.TrimSpace(d.Address)
	d.City = strings.TrimSpace(d.City)
	d.State = strings.TrimSpace(d.State)
	d.Pincode = strings.ReplaceAll(strings.TrimSpace(d.Pincode), " ", "")
	d.Landmark = strings.TrimSpace(d.Landmark)
	d.AlternatePhone = NormalizePhone(d.AlternatePhone)
	return d
}

// NormalizePhone drops separators and a leading +91 / 91 / 0 prefix.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "+")
	p = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(p)

	switch {
	case len(p) == 12 && strings.HasPrefix(p, "91"):
		return p[2:]
	case len(p) == 11 && strings.HasPrefix(p, "0"):
		return p[1:]
	}
	return p
}

var fieldLabels = map[string]string{
	"name":           "Name",
	"phone":          "Mobile number",
	"email":          "Email",
	"address":        "Address",
	"city":           "City",
	"state":          "State",
	"pincode":        "Pincode",
	"landmark":       "Landmark",
	"alternatePhone": "Alternate phone",
}

func label(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return field
}

func message(fe validatorv10.FieldError) string {
	l := label(fe.Field())
	switch fe.Tag() {
	case "required":
		return l + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", l, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", l, fe.Param())
	case "mobile":
		return l + " must be a valid 10-digit mobile number"
	case "pincode":
		return "Pincode must be exactly 6 digits"
	case "personname":
		return l + " can only contain letters and spaces"
	case "placename":
		return l + " can only contain letters, spaces, dots and hyphens"
	case "email":
		return "Enter a valid email address"
	}
	return fe.Error()
}
