package execution

import (
	"context"
	"fmt"
)

// RunOnce runs iterations of config.Runner sequentially on a single VU without
// any scheduling. It is used for smoke checks of a test definition; samples go
// to config.Recorder as in a real run. A panicking iteration is returned as an
// error instead of being counted against a crash budget.
func RunOnce(ctx context.Context, config *ModeConfig, vu, iterations int) (err error) {
	if config == nil {
		return ErrNilConfig
	}
	if config.Runner == nil {
		return ErrNilRunner
	}
	if config.Recorder == nil {
		return ErrNilRecorder
	}
	cfg := config.withDefaults()
	w := newWorker(ctx, vu, cfg, nil, nil)
	defer w.cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration %d panicked: %v", w.current, r)
		}
	}()

	s := newSession(w)
	for i := 0; i < iterations; i++ {
		w.current = int64(i)
		if err := cfg.Runner.RunIteration(w.ctx, s); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
