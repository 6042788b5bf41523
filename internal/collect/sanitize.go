package collect

// maxLabelLen caps label values derived from database content so a runaway
// text column cannot blow up series identity.
const maxLabelLen = 100

// Sanitize normalizes a row-derived string into a safe label value: every
// character outside [A-Za-z0-9_] becomes '_' and the result is truncated to
// maxLabelLen. Total function; config-sourced literals bypass it.
func Sanitize(value string) string {
	out := make([]byte, 0, len(value))
	for _, r := range value {
		if len(out) == maxLabelLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, byte(r))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
