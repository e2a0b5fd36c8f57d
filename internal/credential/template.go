package credential

import "time"

// TemplateDomain is the cookie domain used by the placeholder template.
const TemplateDomain = "facebook.com"

// templateKeys are the tokens an operator has to copy out of a browser
// session, in the order the template lists them.
var templateKeys = []struct {
	key         string
	placeholder string
}{
	{"c_user", "YOUR_USER_ID_HERE"},
	{"xs", "YOUR_XS_TOKEN_HERE"},
	{"fr", "YOUR_FR_TOKEN_HERE"},
	{"datr", "YOUR_DATR_TOKEN_HERE"},
}

// Template returns a four-item credential with placeholder values for an
// operator to fill in by hand. It deliberately fails Validate until the
// placeholders are replaced.
func Template(now time.Time) Credential {
	now = now.UTC().Truncate(time.Second)
	c := make(Credential, 0, len(templateKeys))
	for _, k := range templateKeys {
		c = append(c, Item{
			Key:            k.key,
			Value:          k.placeholder,
			Domain:         TemplateDomain,
			Path:           "/",
			HostOnly:       false,
			CreatedAt:      now,
			LastAccessedAt: now,
		})
	}
	return c
}
