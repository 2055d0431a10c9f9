package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/types"
)

func TestPlanDockerfileWritesEnvFile(t *testing.T) {
	dir := t.TempDir()
	planner := &Planner{}

	plan, err := planner.Synthesise(context.Background(), dir, &types.GitSource{
		Builder:        types.BuilderDockerfile,
		DockerfilePath: "docker/Dockerfile.prod",
		BuildContext:   ".",
	}, map[string]string{"API_URL": "https://api.example", "DEBUG": "0"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "docker/Dockerfile.prod"), plan.DockerfilePath)
	assert.Equal(t, filepath.Join(dir, "."), plan.ContextDir)

	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example", env["API_URL"])
	assert.Equal(t, "0", env["DEBUG"])
}

func TestPlanDockerfileDefaults(t *testing.T) {
	dir := t.TempDir()
	planner := &Planner{}

	plan, err := planner.Synthesise(context.Background(), dir, &types.GitSource{
		Builder: types.BuilderDockerfile,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "Dockerfile"), plan.DockerfilePath)
	// No vars: no .env file
	_, err = os.Stat(filepath.Join(dir, ".env"))
	assert.True(t, os.IsNotExist(err))
}

func TestPlanStaticDirGeneratesCaddyImage(t *testing.T) {
	dir := t.TempDir()
	planner := &Planner{}

	plan, err := planner.Synthesise(context.Background(), dir, &types.GitSource{
		Builder:          types.BuilderStaticDir,
		PublishDirectory: "public",
	}, nil)
	require.NoError(t, err)

	dockerfile, err := os.ReadFile(plan.DockerfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "FROM caddy:2.8-alpine")
	assert.Contains(t, string(dockerfile), "COPY public /var/www/html/")

	assert.Contains(t, plan.Caddyfile, "root * /var/www/html")
	assert.Contains(t, plan.Caddyfile, "file_server")
}

func TestPlanStaticDirHonoursRepoCaddyfile(t *testing.T) {
	dir := t.TempDir()
	custom := ":80 {\n\trespond \"custom\"\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Caddyfile"), []byte(custom), 0o644))

	planner := &Planner{}
	plan, err := planner.Synthesise(context.Background(), dir, &types.GitSource{
		Builder: types.BuilderStaticDir,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, custom, plan.Caddyfile)
}

func TestGenerateStaticCaddyfileSPA(t *testing.T) {
	caddyfile := GenerateStaticCaddyfile(&types.GitSource{
		IsSPA:     true,
		IndexPage: "./index.html",
	})
	assert.Contains(t, caddyfile, "try_files {path} ./index.html")
}

func TestGenerateStaticCaddyfileNotFoundPage(t *testing.T) {
	caddyfile := GenerateStaticCaddyfile(&types.GitSource{
		NotFoundPage: "/404.html",
	})
	assert.Contains(t, caddyfile, "handle_errors")
	assert.Contains(t, caddyfile, "rewrite @404 /404.html")
	assert.NotContains(t, caddyfile, "try_files")
}

func TestImageTag(t *testing.T) {
	assert.Equal(t, "zane/my-app:dpl_abc123", ImageTag("my-app", "dpl_abc123"))
}

func TestBuildOutputMarkers(t *testing.T) {
	assert.Regexp(t, successfullyBuiltRe, "Successfully built 4f3c2d1e0a9b")
	assert.Regexp(t, sha256Re,
		"writing image sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef done")
	assert.NotRegexp(t, successfullyBuiltRe, "step 4/9 : RUN make build")
}
