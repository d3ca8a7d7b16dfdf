package utils

import (
	"net/url"
	"strings"
)

func Mask(text string) string {
	res := ""
	if len(text) > 12 {
		res = text[:8] + "****" + text[len(text)-4:]
	} else if len(text) > 8 {
		res = text[:4] + "****" + text[len(text)-2:]
	} else {
		res = "****"
	}
	return res
}

// MaskURL hides the password of a proxy URI and any query values that look
// like signatures, so URLs can be logged.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Mask(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	if u.RawQuery != "" {
		parts := strings.Split(u.RawQuery, "&")
		for i, p := range parts {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			switch strings.ToLower(k) {
			case "sig", "signature", "lsig", "token", "key":
				parts[i] = k + "=" + Mask(v)
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}
	return u.String()
}

// MaskProxies returns a copy of proxies safe to log.
func MaskProxies(proxies map[string]string) map[string]string {
	if proxies == nil {
		return nil
	}
	out := make(map[string]string, len(proxies))
	for k, v := range proxies {
		out[k] = MaskURL(v)
	}
	return out
}
