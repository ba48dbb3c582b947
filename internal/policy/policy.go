// Package policy decides whether a file may be uploaded for a logical
// category. It is pure: no I/O, no clocks, safe to call repeatedly.
package policy

import (
	"sort"
	"strings"

	"github.com/gostones/fundupload/internal/apperr"
)

// Category is the purpose of an uploaded file. It selects the size ceiling,
// the allowed content types and the storage namespace.
type Category string

const (
	ProfilePicture       Category = "profile-picture"
	CampaignCover        Category = "campaign-cover"
	CampaignImage        Category = "campaign-image"
	DocumentCitizenship  Category = "document-citizenship"
	DocumentLicense      Category = "document-license"
	DocumentPassport     Category = "document-passport"
	CampaignVerification Category = "campaign-verification"
	BankDocument         Category = "bank-document"
	BankDocumentEdit     Category = "bank-document-edit"
)

const (
	MiB = 1 << 20

	// MaxObjectSize is the ceiling for every category.
	MaxObjectSize int64 = 15 * MiB
)

var (
	imageTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}

	documentTypes = append(append([]string{}, imageTypes...), "application/pdf")
)

// Rule is the policy for one category.
type Rule struct {
	Ceiling   int64
	Types     []string
	Namespace string
}

// Allows reports whether contentType is in the allow-list. Parameters such
// as charset are ignored and the comparison is case-insensitive.
func (r Rule) Allows(contentType string) bool {
	ct := normalize(contentType)
	for _, t := range r.Types {
		if t == ct {
			return true
		}
	}
	return false
}

var rules = map[Category]Rule{
	ProfilePicture:       {Ceiling: MaxObjectSize, Types: imageTypes, Namespace: "profile-pictures"},
	CampaignCover:        {Ceiling: MaxObjectSize, Types: imageTypes, Namespace: "campaigns/covers"},
	CampaignImage:        {Ceiling: MaxObjectSize, Types: imageTypes, Namespace: "campaigns/images"},
	DocumentCitizenship:  {Ceiling: MaxObjectSize, Types: documentTypes, Namespace: "documents/citizenship"},
	DocumentLicense:      {Ceiling: MaxObjectSize, Types: documentTypes, Namespace: "documents/license"},
	DocumentPassport:     {Ceiling: MaxObjectSize, Types: documentTypes, Namespace: "documents/passport"},
	CampaignVerification: {Ceiling: MaxObjectSize, Types: documentTypes, Namespace: "campaigns/verification"},
	BankDocument:         {Ceiling: 10 * MiB, Types: documentTypes, Namespace: "bank/documents"},
	BankDocumentEdit:     {Ceiling: 5 * MiB, Types: documentTypes, Namespace: "bank/documents"},
}

// Lookup returns the rule for c.
func Lookup(c Category) (Rule, bool) {
	r, ok := rules[c]
	return r, ok
}

// Parse maps a wire value to a Category.
func Parse(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	_, ok := rules[c]
	return c, ok
}

// Categories lists every known category in a stable order.
func Categories() []Category {
	out := make([]Category, 0, len(rules))
	for c := range rules {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks size first, then content type. An unknown category allows
// no content type at all.
func Validate(size int64, contentType string, c Category) error {
	rule, ok := rules[c]
	if !ok {
		return apperr.UnsupportedType(contentType, string(c))
	}
	if size < 0 || size > rule.Ceiling {
		return apperr.TooLarge(size, rule.Ceiling)
	}
	if !rule.Allows(contentType) {
		return apperr.UnsupportedType(contentType, string(c))
	}
	return nil
}

func normalize(contentType string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
