package blob

import (
	"context"
	"fmt"

	"anatomesh/pkg/config"
)

// Open selects a Store implementation from the storage configuration.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	st := cfg.Storage
	switch Driver(st.Driver) {
	case DriverFilesystem, "":
		return NewFilesystem(st.FSRoot)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    st.S3Bucket,
			Region:    st.S3Region,
			Endpoint:  st.S3Endpoint,
			PathStyle: st.S3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", st.Driver)
	}
}
