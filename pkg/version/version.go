package version

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X github.com/chmdznr/blobdrive/pkg/version.Version=v0.3.0 \
//	  -X github.com/chmdznr/blobdrive/pkg/version.GitCommit=$(git rev-parse HEAD)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
