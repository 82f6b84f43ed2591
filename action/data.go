package action

import (
	"fmt"
	"net/mail"
	"sort"
)

// MsgFieldRequired is the field error message for a missing field.
const MsgFieldRequired = "This field is required."

// Data is free-form JSON-like input for actions and token submissions.
type Data map[string]interface{}

// String returns the string value of key k.
// Returns an empty string if k is missing or not a string.
func (d Data) String(k string) string {
	s, _ := d[k].(string)
	return s
}

// Strings returns the string slice value of key k.
// JSON-decoded arrays ([]interface{}) are converted.
func (d Data) Strings(k string) []string {
	switch v := d[k].(type) {
	case []string:
		return v
	case []interface{}:
		r := make([]string, 0, len(v))
		for _, i := range v {
			if s, ok := i.(string); ok {
				r = append(r, s)
			}
		}
		return r
	}
	return nil
}

// Bool returns the boolean value of key k.
func (d Data) Bool(k string) bool {
	b, _ := d[k].(bool)
	return b
}

// ValidEmail reports whether s is a bare RFC 5322 address.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// Keys returns the sorted keys of d.
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FieldErrors maps field names to user-correctable error messages.
type FieldErrors map[string][]string

// Add appends msg to the field unless it is already present.
func (fe FieldErrors) Add(field, msg string) {
	for _, m := range fe[field] {
		if m == msg {
			return
		}
	}
	fe[field] = append(fe[field], msg)
}

// Merge adds all errors from other into fe.
func (fe FieldErrors) Merge(other FieldErrors) {
	for field, msgs := range other {
		for _, msg := range msgs {
			fe.Add(field, msg)
		}
	}
}

// Error summarizes the field errors.
func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 1 {
		return fmt.Sprintf("field %s: %v", keys[0], fe[keys[0]])
	}
	return fmt.Sprintf("%d invalid fields: %v", len(keys), keys)
}

// Requester is the opaque identity of whoever made a request.
type Requester map[string]string

// Email returns the requester email, if any.
func (r Requester) Email() string {
	return r["email"]
}
