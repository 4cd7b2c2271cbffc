// Package governance implements the agent trust state machine: maturity
// tiers, confidence tracking, and the permission decision that gates
// unsupervised action execution.
package governance

// Maturity is an agent's graduated autonomy level. The tiers form a total
// order on trust; promotions only ever move up. Demotion is an explicit
// operator action, never automatic.
type Maturity string

const (
	Student    Maturity = "STUDENT"
	Intern     Maturity = "INTERN"
	Supervised Maturity = "SUPERVISED"
	Autonomous Maturity = "AUTONOMOUS"
)

// Confidence band boundaries. An agent's confidence score implies a maturity
// band; the stored maturity can transiently lag until a promotion check
// reconciles the two.
const (
	InternThreshold     = 0.5
	SupervisedThreshold = 0.7
	AutonomousThreshold = 0.9
)

// Rank returns the tier's position in the trust order, lowest first.
func (m Maturity) Rank() int {
	switch m {
	case Student:
		return 0
	case Intern:
		return 1
	case Supervised:
		return 2
	case Autonomous:
		return 3
	}
	return -1
}

// Valid reports whether m is one of the defined tiers.
func (m Maturity) Valid() bool {
	return m.Rank() >= 0
}

// MaturityForConfidence maps a confidence score to the tier band it implies.
func MaturityForConfidence(c float64) Maturity {
	switch {
	case c >= AutonomousThreshold:
		return Autonomous
	case c >= SupervisedThreshold:
		return Supervised
	case c >= InternThreshold:
		return Intern
	default:
		return Student
	}
}
