package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/micromdm/nanotask/action"
)

// FieldUsername is skipped when hashing if the username is the email.
const FieldUsername = "username"

// hashValue returns a canonical form of v for hashing.
// String lists are sorted.
func hashValue(v interface{}) interface{} {
	var s []string
	switch vv := v.(type) {
	case []string:
		s = append([]string(nil), vv...)
	case []interface{}:
		for _, i := range vv {
			str, ok := i.(string)
			if !ok {
				return v
			}
			s = append(s, str)
		}
	default:
		return v
	}
	sort.Strings(s)
	return s
}

// HashKey returns the hex sha256 digest of the JSON list of the task
// type followed by, for each instance in order, the action name and
// the data values in sorted field name order.
func HashKey(taskType string, instances []*action.Instance, usernameIsEmail bool) (string, error) {
	list := []interface{}{taskType}
	for _, inst := range instances {
		list = append(list, inst.Name)
		for _, field := range inst.Data.Keys() {
			if usernameIsEmail && field == FieldUsername {
				continue
			}
			list = append(list, hashValue(inst.Data[field]))
		}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
