package dns

import (
	"unicode/utf8"

	"github.com/miekg/dns"
)

// decodeTXT joins the character-strings of txt and undoes the presentation escapes
// (\DDD and \X) that miekg/dns applies when unpacking.
func decodeTXT(name string, txt *dns.TXT) (string, error) {
	var b []byte
	for _, s := range txt.Txt {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c != '\\' || i+1 == len(s) {
				b = append(b, c)
				continue
			}
			if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
				v := int(s[i+1]-'0')*100 + int(s[i+2]-'0')*10 + int(s[i+3]-'0')
				if v > 0xff {
					return "", &MalformedRecordError{Name: name}
				}
				b = append(b, byte(v))
				i += 3
				continue
			}
			b = append(b, s[i+1])
			i++
		}
	}
	if !utf8.Valid(b) {
		return "", &MalformedRecordError{Name: name}
	}
	return string(b), nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
