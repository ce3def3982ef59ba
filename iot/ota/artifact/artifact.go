/*Package artifact resolves firmware catalog keys to download URLs.

There are two drivers: a local one that joins keys onto a static base
URL, and an AWS S3 one that issues presigned GET URLs with a bounded
expiry.
*/
package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Driver turns an artifact key into a download URL the device can
// fetch without further credentials.
type Driver interface {
	PresignedDownloadURL(ctx context.Context, key string, expiry time.Time) (string, error)
}

// DriverType selects the artifact driver.
type DriverType string

// DriverTypeLocal serves artifacts from a static base URL.
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 serves artifacts from an S3 bucket via presigned URLs.
const DriverTypeAWSS3 DriverType = "AWSS3"

// None disables artifact resolution; releases must carry absolute URLs.
const None DriverType = ""

// Local is the static base-URL driver.
type Local struct {
	BaseURL string
}

// NewLocal returns a Local driver.
func NewLocal(baseURL string) (*Local, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL must not be empty")
	}
	return &Local{BaseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// PresignedDownloadURL implements Driver. Local URLs do not expire.
func (l *Local) PresignedDownloadURL(_ context.Context, key string, _ time.Time) (string, error) {
	if key == "" {
		return "", fmt.Errorf("artifact key must not be empty")
	}
	return l.BaseURL + "/" + strings.TrimPrefix(key, "/"), nil
}
