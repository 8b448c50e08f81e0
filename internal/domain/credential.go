package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrInvalidCredentials is returned when the cookie string cannot be parsed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Cookie names carried by Credentials.
const (
	CookieBiliJct    = "bili_jct"
	CookieSESSDATA   = "SESSDATA"
	CookieDedeUserID = "DedeUserID"
	CookieBuvid3     = "buvid3"
)

// Credentials is the authentication material used to open room streams.
// It is immutable once parsed.
type Credentials struct {
	BiliJct    string
	SESSDATA   string
	DedeUserID string
	Buvid3     string
}

// ParseCredentials parses "bili_jct=..;SESSDATA=..;dedeuserid=..;buvid3=..".
// Key matching is case-insensitive. An empty string yields anonymous credentials.
func ParseCredentials(raw string) (Credentials, error) {
	var c Credentials
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return c, nil
	}

	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Credentials{}, fmt.Errorf("%w: malformed pair %q", ErrInvalidCredentials, part)
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case strings.ToLower(CookieBiliJct):
			c.BiliJct = value
		case strings.ToLower(CookieSESSDATA):
			c.SESSDATA = value
		case strings.ToLower(CookieDedeUserID):
			c.DedeUserID = value
		case strings.ToLower(CookieBuvid3):
			c.Buvid3 = value
		}
	}

	var missing []string
	if c.BiliJct == "" {
		missing = append(missing, CookieBiliJct)
	}
	if c.SESSDATA == "" {
		missing = append(missing, CookieSESSDATA)
	}
	if c.DedeUserID == "" {
		missing = append(missing, CookieDedeUserID)
	}
	if c.Buvid3 == "" {
		missing = append(missing, CookieBuvid3)
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	if _, err := strconv.ParseInt(c.DedeUserID, 10, 64); err != nil {
		return Credentials{}, fmt.Errorf("%w: %s is not numeric", ErrInvalidCredentials, CookieDedeUserID)
	}

	return c, nil
}

// Anonymous reports whether no login material is present.
func (c Credentials) Anonymous() bool {
	return c == Credentials{}
}

// UID returns the numeric user id, 0 for anonymous credentials.
func (c Credentials) UID() int64 {
	uid, _ := strconv.ParseInt(c.DedeUserID, 10, 64)
	return uid
}

// Cookies returns the credentials as request cookies.
func (c Credentials) Cookies() []*http.Cookie {
	if c.Anonymous() {
		return nil
	}
	return []*http.Cookie{
		{Name: CookieBiliJct, Value: c.BiliJct},
		{Name: CookieSESSDATA, Value: c.SESSDATA},
		{Name: CookieDedeUserID, Value: c.DedeUserID},
		{Name: CookieBuvid3, Value: c.Buvid3},
	}
}

// CookieHeader renders the Cookie header value.
func (c Credentials) CookieHeader() string {
	cookies := c.Cookies()
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// String masks secrets so credentials are safe to log.
func (c Credentials) String() string {
	if c.Anonymous() {
		return "Credentials(anonymous)"
	}
	return fmt.Sprintf("Credentials(uid=%s)", c.DedeUserID)
}
