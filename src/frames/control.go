package frames

// ControlFrame is the base for control/configuration frames
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

// AgentStartedSpeakingFrame marks the sink beginning playback of agent audio
type AgentStartedSpeakingFrame struct {
	*ControlFrame
}

func NewAgentStartedSpeakingFrame() *AgentStartedSpeakingFrame {
	return &AgentStartedSpeakingFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("AgentStartedSpeakingFrame"),
		},
	}
}

// AgentStoppedSpeakingFrame marks the sink draining its playback queue
type AgentStoppedSpeakingFrame struct {
	*ControlFrame
}

func NewAgentStoppedSpeakingFrame() *AgentStoppedSpeakingFrame {
	return &AgentStoppedSpeakingFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("AgentStoppedSpeakingFrame"),
		},
	}
}

// FinalizeFrame forces the transcript buffer to flush outside normal
// endpoint detection, e.g. when the session hits an external timeout
type FinalizeFrame struct {
	*ControlFrame
}

func NewFinalizeFrame() *FinalizeFrame {
	return &FinalizeFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("FinalizeFrame"),
		},
	}
}
