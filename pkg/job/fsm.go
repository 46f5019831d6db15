package job

// allowed is the closed transition table; anything missing is rejected.
var allowed = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:  {StatusRunning},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
