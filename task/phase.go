package task

import "fmt"

// Phase is the fine-grained internal state of a task. Several phases map to
// the same external Status.
type Phase string

const (
	PhasePending           Phase = "pending"
	PhaseCrawlingChapters  Phase = "crawling_chapters"
	PhaseDownloadingImages Phase = "downloading_images"
	PhaseProcessingAI      Phase = "processing_ai"
	PhaseSynthesizingAudio Phase = "synthesizing_audio"
	PhaseAssemblingVideo   Phase = "assembling_video"
	PhaseUploading         Phase = "uploading"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
	PhaseCancelled         Phase = "cancelled"
)

// Pipeline lists the working phases in execution order.
var Pipeline = []Phase{
	PhaseCrawlingChapters,
	PhaseDownloadingImages,
	PhaseProcessingAI,
	PhaseSynthesizingAudio,
	PhaseAssemblingVideo,
	PhaseUploading,
}

// Required reports whether the phase must have a worker. The remaining
// working phases are skipped when no worker is configured for them.
func (p Phase) Required() bool {
	switch p {
	case PhaseCrawlingChapters, PhaseDownloadingImages, PhaseProcessingAI:
		return true
	}
	return false
}

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhasePending: {
		PhaseCrawlingChapters: {},
		PhaseFailed:           {},
		PhaseCancelled:        {},
	},
	PhaseCrawlingChapters: {
		PhaseDownloadingImages: {},
		PhaseFailed:            {},
		PhaseCancelled:         {},
	},
	PhaseDownloadingImages: {
		PhaseProcessingAI: {},
		PhaseFailed:       {},
		PhaseCancelled:    {},
	},
	PhaseProcessingAI: {
		PhaseSynthesizingAudio: {},
		PhaseAssemblingVideo:   {},
		PhaseUploading:         {},
		PhaseCompleted:         {},
		PhaseFailed:            {},
		PhaseCancelled:         {},
	},
	PhaseSynthesizingAudio: {
		PhaseAssemblingVideo: {},
		PhaseUploading:       {},
		PhaseCompleted:       {},
		PhaseFailed:          {},
		PhaseCancelled:       {},
	},
	PhaseAssemblingVideo: {
		PhaseUploading: {},
		PhaseCompleted: {},
		PhaseFailed:    {},
		PhaseCancelled: {},
	},
	PhaseUploading: {
		PhaseCompleted: {},
		PhaseFailed:    {},
		PhaseCancelled: {},
	},
	PhaseCompleted: {},
	PhaseFailed:    {},
	PhaseCancelled: {},
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Status maps the phase to its externally reported status. Audio, video and
// upload work is reported as AI processing.
func (p Phase) Status() Status {
	switch p {
	case PhaseSynthesizingAudio, PhaseAssemblingVideo, PhaseUploading:
		return StatusProcessingAI
	}
	return Status(p)
}

// ValidatePhase rejects unknown phase values.
func ValidatePhase(p Phase) error {
	if _, ok := allowedTransitions[p]; !ok {
		return fmt.Errorf("invalid task phase: %q", p)
	}
	return nil
}

// ValidateTransition reports whether from -> to is a legal step.
func ValidateTransition(from, to Phase) error {
	if err := ValidatePhase(from); err != nil {
		return err
	}
	if err := ValidatePhase(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// Transition moves t to phase to, keeping Status in sync.
func (t *Task) Transition(to Phase) error {
	if err := ValidateTransition(t.Phase, to); err != nil {
		return err
	}
	t.Phase = to
	t.Status = to.Status()
	return nil
}
