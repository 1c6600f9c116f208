package proxsmtp

// Hook is an audit sink notified of every diagnostic message and completed
// verdict through AfterLog/AfterVerdict.
type Hook interface {
	Name() string
	AfterInit() error
	AfterLog(*LogEvent)
	AfterVerdict(*VerdictEvent)
}

// HookSet fans a LogEvent/VerdictEvent out to every loaded Hook. A Hook
// whose AfterInit fails is silently left out of the set; it never blocks
// or fails the message it's auditing.
type HookSet struct {
	hooks []Hook
}

// NewHookSet runs AfterInit on each hook and keeps only the ones that
// initialize cleanly.
func NewHookSet(hooks ...Hook) *HookSet {
	hs := &HookSet{}
	for _, h := range hooks {
		if err := h.AfterInit(); err != nil {
			continue
		}
		hs.hooks = append(hs.hooks, h)
	}
	return hs
}

func (hs *HookSet) AfterLog(e *LogEvent) {
	for _, h := range hs.hooks {
		h.AfterLog(e)
	}
}

func (hs *HookSet) AfterVerdict(e *VerdictEvent) {
	for _, h := range hs.hooks {
		h.AfterVerdict(e)
	}
}
