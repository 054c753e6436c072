package mtop

import (
	"net/http"
	"strings"
)

// Jar is an insertion-ordered cookie set. The gateway is sensitive to the
// Cookie header keeping a stable shape across calls, so merges update values
// in place and append genuinely new names at the end.
type Jar struct {
	order  []string
	values map[string]string
}

// ParseCookies splits a raw "k=v; k2=v2" blob into a Jar. Malformed
// fragments without '=' are dropped.
func ParseCookies(blob string) *Jar {
	j := &Jar{values: make(map[string]string)}
	for _, part := range strings.Split(blob, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		j.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return j
}

func (j *Jar) Get(name string) string {
	return j.values[name]
}

// Set stores a cookie and reports whether the jar changed.
func (j *Jar) Set(name, value string) bool {
	if name == "" {
		return false
	}
	old, exists := j.values[name]
	if exists && old == value {
		return false
	}
	if !exists {
		j.order = append(j.order, name)
	}
	j.values[name] = value
	return true
}

// Update merges response cookies into the jar and reports whether anything
// changed. Deletions (MaxAge<0) are ignored: the gateway rotates values, it
// never revokes the login cookies we need to keep.
func (j *Jar) Update(cookies []*http.Cookie) bool {
	changed := false
	for _, c := range cookies {
		if c.MaxAge < 0 {
			continue
		}
		if j.Set(c.Name, c.Value) {
			changed = true
		}
	}
	return changed
}

// String renders the jar back into a Cookie header value.
func (j *Jar) String() string {
	var b strings.Builder
	for i, name := range j.order {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(j.values[name])
	}
	return b.String()
}

func (j *Jar) Len() int { return len(j.order) }

// SignToken extracts the request-signing token from the _m_h5_tk cookie,
// which carries "token_expiry" joined by an underscore.
func (j *Jar) SignToken() string {
	v := j.Get("_m_h5_tk")
	if v == "" {
		return ""
	}
	token, _, _ := strings.Cut(v, "_")
	return token
}
