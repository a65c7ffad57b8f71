package training

import (
	"context"
	"fmt"
)

// CrossValidate trains one model per fold, each holding that fold out,
// then evaluates every trained model so the results are reported together
// at the end.
func CrossValidate(ctx context.Context, base *Driver) ([]*Summary, error) {
	count := base.Options.FoldCount
	if count <= 0 {
		return nil, fmt.Errorf("training: fold count must be positive, got %d", count)
	}
	log := base.logger()

	fork := func(fold int, onlyEvaluate bool) *Driver {
		d := &Driver{
			Options:    base.Options,
			Factory:    base.Factory,
			Loader:     base.Loader,
			Dimensions: base.Dimensions,
			Logger:     base.Logger,
			Metrics:    base.Metrics,
			Progress:   base.Progress,
			OnState:    base.OnState,
		}
		d.Options.ValidationFold = fold
		d.Options.OnlyEvaluate = onlyEvaluate
		return d
	}

	log.Info("training every fold", "folds", count)
	for f := 0; f < count; f++ {
		if _, err := fork(f, false).Run(ctx); err != nil {
			return nil, fmt.Errorf("fold %d: %w", f, err)
		}
	}

	summaries := make([]*Summary, count)
	for f := 0; f < count; f++ {
		s, err := fork(f, true).Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", f, err)
		}
		summaries[f] = s
	}
	return summaries, nil
}
