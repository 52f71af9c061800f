package rdp

import (
	"regexp"
	"strings"
	"unicode/utf16"
)

// Credential markers observed in plaintext RDP negotiation data. Values
// run to the first NUL, CR, LF, ampersand, or space.
var (
	usernamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)USER(?:NAME)?=([^\x00&\r\n\t ]+)`),
		regexp.MustCompile(`(?i)Cookie: mstshash=([^\x00&\r\n\t ]+)`),
		regexp.MustCompile(`(?i)LOGIN=([^\x00&\r\n\t ]+)`),
	}
	passwordPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)PASS(?:WORD)?[=:]([^\x00&\r\n\t ]+)`),
		regexp.MustCompile(`(?i)PWD[=:]([^\x00&\r\n\t ]+)`),
	}
)

var securityMarkers = []string{"NTLM", "Kerberos", "CredSSP", "SPNEGO", "TLS_RSA", "SSPI"}

const (
	maxUsername = 50
	maxPassword = 100
)

type credentials struct {
	username string
	password string
}

// extract scans data for credential markers in both ASCII and UTF-16-LE.
// Windows clients send cookie and autologon fields in either encoding.
func extract(data []byte) credentials {
	var creds credentials
	for _, text := range []string{asciiView(data), utf16leView(data)} {
		if creds.username == "" {
			creds.username = firstMatch(usernamePatterns, text, maxUsername)
		}
		if creds.password == "" {
			creds.password = firstMatch(passwordPatterns, text, maxPassword)
		}
		if creds.username != "" && creds.password != "" {
			break
		}
	}
	return creds
}

func firstMatch(patterns []*regexp.Regexp, text string, maxLen int) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v := strings.TrimSpace(m[1]); plausible(v, maxLen) {
			return v
		}
	}
	return ""
}

// plausible rejects matches that are hex dumps or binary noise rather
// than typed credentials.
func plausible(v string, maxLen int) bool {
	if v == "" || len(v) >= maxLen {
		return false
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, `\x`) {
		return false
	}
	return !isHex(v)
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// authMarkers returns the security-provider names present in data.
func authMarkers(data []byte) []string {
	var found []string
	for _, marker := range securityMarkers {
		if strings.Contains(string(data), marker) {
			found = append(found, marker)
		}
	}
	return found
}

// asciiView keeps printable bytes and the terminators the patterns key
// on, mirroring a lossy UTF-8 decode of mixed binary data.
func asciiView(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c == 0 || c == '\r' || c == '\n' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// utf16leView decodes data as little-endian UTF-16, dropping a trailing
// odd byte.
func utf16leView(data []byte) string {
	n := len(data) / 2
	if n == 0 {
		return ""
	}
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
	}
	return string(utf16.Decode(units))
}
