package task

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhasePending, PhaseCrawlingChapters, true},
		{PhaseCrawlingChapters, PhaseDownloadingImages, true},
		{PhaseDownloadingImages, PhaseProcessingAI, true},
		{PhaseProcessingAI, PhaseCompleted, true},
		{PhaseProcessingAI, PhaseAssemblingVideo, true},
		{PhaseSynthesizingAudio, PhaseUploading, true},
		{PhaseUploading, PhaseCompleted, true},
		{PhaseDownloadingImages, PhaseCancelled, true},
		{PhasePending, PhaseFailed, true},
		{PhasePending, PhaseDownloadingImages, false},
		{PhaseCrawlingChapters, PhaseProcessingAI, false},
		{PhaseDownloadingImages, PhaseCompleted, false},
		{PhaseCompleted, PhaseFailed, false},
		{PhaseCancelled, PhaseCrawlingChapters, false},
		{PhaseFailed, PhaseCancelled, false},
		{Phase("bogus"), PhaseFailed, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateTransition(%s, %s) err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
	}
}

func TestPhaseStatus(t *testing.T) {
	tests := map[Phase]Status{
		PhasePending:           StatusPending,
		PhaseCrawlingChapters:  StatusCrawlingChapters,
		PhaseDownloadingImages: StatusDownloadingImages,
		PhaseProcessingAI:      StatusProcessingAI,
		PhaseSynthesizingAudio: StatusProcessingAI,
		PhaseAssemblingVideo:   StatusProcessingAI,
		PhaseUploading:         StatusProcessingAI,
		PhaseCompleted:         StatusCompleted,
		PhaseFailed:            StatusFailed,
		PhaseCancelled:         StatusCancelled,
	}
	for p, want := range tests {
		if got := p.Status(); got != want {
			t.Errorf("%s.Status() = %s, want %s", p, got, want)
		}
	}
}

func TestTask_Transition(t *testing.T) {
	tk := &Task{Phase: PhaseProcessingAI, Status: StatusProcessingAI}
	if err := tk.Transition(PhaseSynthesizingAudio); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if tk.Status != StatusProcessingAI {
		t.Errorf("Status = %s, want processing_ai", tk.Status)
	}
	if err := tk.Transition(PhaseDownloadingImages); err == nil {
		t.Fatal("expected backwards transition to fail")
	}
	if tk.Phase != PhaseSynthesizingAudio {
		t.Errorf("Phase changed on rejected transition: %s", tk.Phase)
	}
}

func TestCounters_MergeNeverDecreases(t *testing.T) {
	c := Counters{ChaptersDiscovered: 5, ImagesDownloaded: 10}
	c.Merge(Counters{ChaptersDiscovered: 3, ImagesDownloaded: 12, BatchesProcessed: 1})
	if c.ChaptersDiscovered != 5 || c.ImagesDownloaded != 12 || c.BatchesProcessed != 1 {
		t.Errorf("Merge = %+v", c)
	}
}

func TestCounters_Progress(t *testing.T) {
	tests := []struct {
		name string
		c    Counters
		want int
	}{
		{"empty", Counters{}, 0},
		{"half crawl", Counters{ChaptersDiscovered: 4, ChaptersProcessed: 2}, 25},
		{"crawl done", Counters{ChaptersDiscovered: 4, ChaptersProcessed: 4, BatchesExpected: 2}, 50},
		{"all done", Counters{ChaptersDiscovered: 4, ChaptersProcessed: 4, BatchesExpected: 2, BatchesProcessed: 2}, 100},
		{"overshoot clamps", Counters{ChaptersDiscovered: 1, ChaptersProcessed: 3, BatchesExpected: 1, BatchesProcessed: 3}, 100},
	}
	for _, tt := range tests {
		if got := tt.c.Progress(); got != tt.want {
			t.Errorf("%s: Progress() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestTask_AddArtifacts(t *testing.T) {
	tk := &Task{}
	tk.AddArtifacts("a", "b")
	tk.AddArtifacts("b", "", "c")
	if len(tk.Artifacts) != 3 || tk.Artifacts[2] != "c" {
		t.Errorf("Artifacts = %v, want [a b c]", tk.Artifacts)
	}
}
