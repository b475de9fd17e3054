package frames

// SystemFrame is the base for all system-level frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

// StartFrame signals the beginning of a call pipeline
type StartFrame struct {
	*SystemFrame
	Caller string
	Called string
}

func NewStartFrame(caller, called string) *StartFrame {
	return &StartFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("StartFrame"),
		},
		Caller: caller,
		Called: called,
	}
}

// EndFrame signals graceful shutdown after flushing all frames
type EndFrame struct {
	*SystemFrame
}

func NewEndFrame() *EndFrame {
	return &EndFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("EndFrame"),
		},
	}
}

// CancelFrame signals immediate shutdown without flushing.
// Hangup and max-duration teardown both travel as CancelFrames.
type CancelFrame struct {
	*SystemFrame
}

func NewCancelFrame() *CancelFrame {
	return &CancelFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("CancelFrame"),
		},
	}
}

// InterruptionFrame signals the caller barged in while agent audio was playing
type InterruptionFrame struct {
	*SystemFrame
}

func NewInterruptionFrame() *InterruptionFrame {
	return &InterruptionFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("InterruptionFrame"),
		},
	}
}

// ErrorFrame carries error information through the pipeline
type ErrorFrame struct {
	*SystemFrame
	Error error
	Fatal bool
}

func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("ErrorFrame"),
		},
		Error: err,
	}
}

// NewFatalErrorFrame marks an error the session cannot continue from
func NewFatalErrorFrame(err error) *ErrorFrame {
	f := NewErrorFrame(err)
	f.Fatal = true
	return f
}

// UserStartedSpeakingFrame signals speech detected on the caller leg
type UserStartedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("UserStartedSpeakingFrame"),
		},
	}
}

// UserStoppedSpeakingFrame signals end of caller speech
type UserStoppedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStoppedSpeakingFrame() *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("UserStoppedSpeakingFrame"),
		},
	}
}
