//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func openGCS(context.Context, Options) (Sink, error) {
	return nil, fmt.Errorf("artifacts: GCS export is not enabled in this build (use -tags gcp)")
}
