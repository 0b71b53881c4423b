package catalog

import "regexp"

// Risk levels, coarsest classification of what a tool can do.
const (
	RiskRead  = "read"
	RiskWrite = "write"
	RiskExec  = "exec"
)

var (
	execRe  = regexp.MustCompile(`(?i)(shell|spawn|eval|exec)`)
	writeRe = regexp.MustCompile(`(?i)(create|delete|write|send|put|patch)`)
)

// RiskLevel classifies a tool by its raw name. Exec patterns win over write
// patterns; anything else is read.
func RiskLevel(rawName string) string {
	switch {
	case execRe.MatchString(rawName):
		return RiskExec
	case writeRe.MatchString(rawName):
		return RiskWrite
	default:
		return RiskRead
	}
}
