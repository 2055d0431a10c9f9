package build

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/zane-ops/zane/pkg/types"
)

// ProbeImage checks that an image reference is well-formed and that the
// registry answers for it with the given credentials. The ledger calls this
// to cross-validate image/credential changes before accepting them.
func ProbeImage(ctx context.Context, image string, creds *types.RegistryCredentials) error {
	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return types.InvalidChangef("invalid image reference %q: %s", image, err)
	}

	ref, err := name.ParseReference(image)
	if err != nil {
		return types.InvalidChangef("invalid image reference %q: %s", image, err)
	}

	opts := []remote.Option{remote.WithContext(ctx)}
	if creds != nil {
		opts = append(opts, remote.WithAuth(&authn.Basic{
			Username: creds.Username,
			Password: creds.Password,
		}))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}

	if _, err := remote.Head(ref, opts...); err != nil {
		return types.InvalidChangef("image %q is not accessible: %s", image, err)
	}
	return nil
}

// ImageTag derives the deployment's image tag.
func ImageTag(serviceSlug, deploymentHash string) string {
	return fmt.Sprintf("zane/%s:%s", serviceSlug, deploymentHash)
}
