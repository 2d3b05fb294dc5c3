package provision

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNotObject is returned for claims that aren't a JSON object.
var ErrNotObject = errors.New("claims must be a JSON object")

// Claims is a loosely typed set of claims, as returned from the userinfo
// endpoint.
type Claims struct {
	raw string
}

// NewClaims wraps raw JSON claims. The JSON must be an object.
func NewClaims(raw []byte) (Claims, error) {
	if !gjson.ValidBytes(raw) {
		return Claims{}, errors.New("claims are not valid JSON")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return Claims{}, ErrNotObject
	}
	return Claims{raw: string(raw)}, nil
}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	return c.String("sub")
}

// Raw returns the JSON the claims were created from.
func (c Claims) Raw() []byte {
	return []byte(c.raw)
}

// Get returns the claim with the given name. A top level claim with that exact
// name wins, otherwise the name is treated as a dotted path into nested
// objects, e.g. address.locality.
func (c Claims) Get(name string) (gjson.Result, bool) {
	var found gjson.Result
	var ok bool
	gjson.Parse(c.raw).ForEach(func(k, v gjson.Result) bool {
		if k.String() == name {
			found, ok = v, true
			return false
		}
		return true
	})
	if ok {
		return found, true
	}
	if strings.Contains(name, ".") {
		r := gjson.Get(c.raw, name)
		return r, r.Exists()
	}
	return gjson.Result{}, false
}

// String returns the claim as a string. Arrays of strings are joined with
// commas. Missing and null claims are empty.
func (c Claims) String(name string) string {
	r, ok := c.Get(name)
	if !ok || r.Type == gjson.Null {
		return ""
	}
	if r.IsArray() {
		var vs []string
		for _, e := range r.Array() {
			vs = append(vs, e.String())
		}
		return strings.Join(vs, ",")
	}
	return r.String()
}
