package recommend

// Strategy is the closed set of recommendation strategies. It is resolved
// once per request; unknown inputs select Hybrid, matching the service's
// historical default.
type Strategy int

const (
	StrategyHybrid Strategy = iota
	StrategyCollaborative
	StrategyContentBased
	StrategyTrending
)

const (
	ReasonCollaborative = "collaborative"
	ReasonContentBased  = "content_based"
	ReasonTrending      = "trending"
	ReasonHybrid        = "hybrid"
)

func ParseStrategy(s string) Strategy {
	switch s {
	case "collaborative":
		return StrategyCollaborative
	case "content_based":
		return StrategyContentBased
	case "trending":
		return StrategyTrending
	default:
		return StrategyHybrid
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyCollaborative:
		return "collaborative"
	case StrategyContentBased:
		return "content_based"
	case StrategyTrending:
		return "trending"
	default:
		return "hybrid"
	}
}
