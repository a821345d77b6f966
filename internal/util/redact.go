package util

import "regexp"

var (
	keyValuePattern = regexp.MustCompile(`(?i)(api_key|apikey|secret|token|password|access_key|private_key|authorization)("?\s*[:=]\s*"?)([^\s"',}]+)`)
	bearerPattern   = regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._~+/=-]{8,}`)
	privateKeyBlock = regexp.MustCompile(`(?is)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
	jwtPattern      = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.?[a-zA-Z0-9_-]*`)
	skPattern       = regexp.MustCompile(`(?i)(sk|m8)-[a-z0-9_-]{20,}`)
)

// RedactSecrets removes likely secrets from text. Quoted JSON keys are
// matched as well as key=value pairs.
func RedactSecrets(input string) string {
	out := bearerPattern.ReplaceAllString(input, "${1}[REDACTED]")
	out = keyValuePattern.ReplaceAllString(out, `$1$2[REDACTED]`)
	out = privateKeyBlock.ReplaceAllString(out, "[REDACTED PRIVATE KEY]")
	out = jwtPattern.ReplaceAllString(out, "[REDACTED JWT]")
	out = skPattern.ReplaceAllString(out, "[REDACTED KEY]")
	return out
}
