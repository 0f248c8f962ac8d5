package signal

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultPollInterval = 300 * time.Millisecond

// Scanner runs the camera poll loop. The loop is human-paced: it samples
// frames on a bounded ticker rather than spinning, and it keeps scanning
// until cancelled - there is no timeout, only the operator giving up.
type Scanner struct {
	camera   Camera
	detector CodeDetector
	interval time.Duration

	mu       sync.Mutex
	released bool
}

// NewScanner creates a scanner. interval <= 0 selects the default poll rate.
func NewScanner(camera Camera, detector CodeDetector, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Scanner{camera: camera, detector: detector, interval: interval}
}

// Run acquires the camera and returns a channel of every detected code
// string. The channel closes and the camera is released when ctx is
// cancelled or the stream errors - every exit path releases the hardware.
func (s *Scanner) Run(ctx context.Context) (<-chan string, error) {
	src, err := s.camera.Acquire()
	if err != nil {
		return nil, ErrCameraUnavailable
	}

	out := make(chan string, 4)

	go func() {
		defer close(out)
		defer s.release(src)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, err := src.Grab()
				if err != nil {
					log.Printf("📷 Scanner: frame grab failed, stopping: %v", err)
					return
				}
				code, ok := s.detector.Detect(frame)
				if !ok {
					continue
				}
				select {
				case out <- code:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Scanner) release(src FrameSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		src.Release()
		s.released = true
	}
}
