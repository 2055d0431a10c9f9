package build

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/zane-ops/zane/pkg/types"
)

// Plan is the synthesised input to the image build.
type Plan struct {
	// DockerfilePath is the dockerfile the build runs, absolute.
	DockerfilePath string
	// ContextDir is the build context, absolute.
	ContextDir string
	// BuildStage optionally targets a stage of the dockerfile.
	BuildStage string
	// EnvDefaults are default variables contributed by the planner.
	EnvDefaults map[string]string
	// Caddyfile holds the generated Caddyfile contents for static variants.
	Caddyfile string
	// RailpackPlanPath is set for railpack builds.
	RailpackPlanPath string
}

// Planner synthesises build plans per builder type.
type Planner struct {
	// NixpacksBin and RailpackBin override the planner binaries, for tests.
	NixpacksBin string
	RailpackBin string
}

// Synthesise produces the build plan for a cloned tree. buildVars are the
// fully-resolved build-time variables.
func (p *Planner) Synthesise(ctx context.Context, repoDir string, src *types.GitSource, buildVars map[string]string) (*Plan, error) {
	switch src.Builder {
	case types.BuilderDockerfile:
		return p.planDockerfile(repoDir, src, buildVars)
	case types.BuilderStaticDir:
		return p.planStaticDir(repoDir, src)
	case types.BuilderNixpacks:
		return p.planNixpacks(ctx, repoDir, src, buildVars)
	case types.BuilderRailpack:
		return p.planRailpack(ctx, repoDir, src, buildVars)
	default:
		return nil, fmt.Errorf("unsupported builder: %s", src.Builder)
	}
}

// planDockerfile uses the user-specified dockerfile and context, writing a
// .env file into the context with every resolved build-time variable.
func (p *Planner) planDockerfile(repoDir string, src *types.GitSource, buildVars map[string]string) (*Plan, error) {
	contextDir := filepath.Join(repoDir, defaultStr(src.BuildContext, "."))
	dockerfile := filepath.Join(repoDir, defaultStr(src.DockerfilePath, "Dockerfile"))

	if len(buildVars) > 0 {
		envPath := filepath.Join(contextDir, ".env")
		if err := godotenv.Write(buildVars, envPath); err != nil {
			return nil, fmt.Errorf("failed to write build .env: %w", err)
		}
	}

	return &Plan{
		DockerfilePath: dockerfile,
		ContextDir:     contextDir,
		BuildStage:     src.BuildStage,
	}, nil
}

// planStaticDir synthesises a Caddy image serving the publish directory.
// An in-repo Caddyfile wins over the generated one.
func (p *Planner) planStaticDir(repoDir string, src *types.GitSource) (*Plan, error) {
	publishDir := defaultStr(src.PublishDirectory, "./")

	caddyfile := ""
	userCaddyfile := filepath.Join(repoDir, "Caddyfile")
	if data, err := os.ReadFile(userCaddyfile); err == nil {
		caddyfile = string(data)
	} else {
		caddyfile = GenerateStaticCaddyfile(src)
	}

	caddyfilePath := filepath.Join(repoDir, "Caddyfile.zane")
	if err := os.WriteFile(caddyfilePath, []byte(caddyfile), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write Caddyfile: %w", err)
	}

	dockerfile := fmt.Sprintf(`FROM caddy:2.8-alpine
WORKDIR /var/www/html
COPY %s /var/www/html/
COPY Caddyfile.zane /etc/caddy/Caddyfile
EXPOSE 80
CMD ["caddy", "run", "--config", "/etc/caddy/Caddyfile", "--adapter", "caddyfile"]
`, strings.TrimSuffix(publishDir, "/"))

	dockerfilePath := filepath.Join(repoDir, "Dockerfile.zane")
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write generated dockerfile: %w", err)
	}

	return &Plan{
		DockerfilePath: dockerfilePath,
		ContextDir:     repoDir,
		Caddyfile:      caddyfile,
	}, nil
}

// GenerateStaticCaddyfile renders the Caddyfile for a static site. SPA mode
// rewrites everything to the index page; otherwise a configured 404 page is
// honoured.
func GenerateStaticCaddyfile(src *types.GitSource) string {
	var b strings.Builder
	b.WriteString(":80 {\n")
	b.WriteString("\troot * /var/www/html\n")
	b.WriteString("\tfile_server\n")
	if src.IsSPA {
		index := defaultStr(src.IndexPage, "./index.html")
		fmt.Fprintf(&b, "\ttry_files {path} %s\n", index)
	} else if src.NotFoundPage != "" {
		b.WriteString("\thandle_errors {\n")
		b.WriteString("\t\t@404 expression {err.status_code} == 404\n")
		fmt.Fprintf(&b, "\t\trewrite @404 %s\n", src.NotFoundPage)
		b.WriteString("\t\tfile_server\n")
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// planNixpacks runs the nixpacks planner to generate a Dockerfile; static
// mode appends a second stage copying the build output into a Caddy image.
func (p *Planner) planNixpacks(ctx context.Context, repoDir string, src *types.GitSource, buildVars map[string]string) (*Plan, error) {
	bin := defaultStr(p.NixpacksBin, "nixpacks")

	args := []string{"build", repoDir, "--out", repoDir, "--no-error-without-start"}
	for k, v := range buildVars {
		args = append(args, "--env", k+"="+v)
	}
	if src.CustomInstallCmd != "" {
		args = append(args, "--install-cmd", src.CustomInstallCmd)
	}
	if src.CustomBuildCmd != "" {
		args = append(args, "--build-cmd", src.CustomBuildCmd)
	}
	if src.CustomStartCmd != "" {
		args = append(args, "--start-cmd", src.CustomStartCmd)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: nixpacks planner: %s: %s",
			types.ErrBuildFailed, err, truncate(string(out), 500))
	}

	dockerfilePath := filepath.Join(repoDir, ".nixpacks", "Dockerfile")
	if _, err := os.Stat(dockerfilePath); err != nil {
		return nil, fmt.Errorf("%w: nixpacks did not generate a dockerfile", types.ErrBuildFailed)
	}

	plan := &Plan{
		DockerfilePath: dockerfilePath,
		ContextDir:     repoDir,
	}

	if src.IsStatic {
		caddyfile := GenerateStaticCaddyfile(src)
		caddyfilePath := filepath.Join(repoDir, ".nixpacks", "Caddyfile.zane")
		if err := os.WriteFile(caddyfilePath, []byte(caddyfile), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write Caddyfile: %w", err)
		}

		stage := fmt.Sprintf(`
FROM caddy:2.8-alpine AS runtime
WORKDIR /var/www/html
COPY --from=0 /app/%s /var/www/html/
COPY .nixpacks/Caddyfile.zane /etc/caddy/Caddyfile
EXPOSE 80
CMD ["caddy", "run", "--config", "/etc/caddy/Caddyfile", "--adapter", "caddyfile"]
`, strings.TrimPrefix(defaultStr(src.PublishDirectory, "dist"), "./"))

		f, err := os.OpenFile(dockerfilePath, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to extend generated dockerfile: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(stage); err != nil {
			return nil, fmt.Errorf("failed to extend generated dockerfile: %w", err)
		}
		plan.Caddyfile = caddyfile
	}

	return plan, nil
}

// railpackConfig is the JSON config handed to the railpack frontend.
type railpackConfig struct {
	Schema string                    `json:"$schema,omitempty"`
	Steps  map[string]map[string]any `json:"steps,omitempty"`
	Deploy map[string]any            `json:"deploy,omitempty"`
}

// planRailpack synthesises the railpack JSON config and runs the prepare
// step to produce the build plan.
func (p *Planner) planRailpack(ctx context.Context, repoDir string, src *types.GitSource, buildVars map[string]string) (*Plan, error) {
	bin := defaultStr(p.RailpackBin, "railpack")

	cfg := railpackConfig{
		Schema: "https://schema.railpack.com",
		Steps:  map[string]map[string]any{},
	}
	if src.CustomInstallCmd != "" {
		cfg.Steps["install"] = map[string]any{"commands": []string{src.CustomInstallCmd}}
	}
	if src.CustomBuildCmd != "" {
		cfg.Steps["build"] = map[string]any{"commands": []string{src.CustomBuildCmd}}
	}
	if src.CustomStartCmd != "" {
		cfg.Deploy = map[string]any{"startCommand": src.CustomStartCmd}
	}

	plan := &Plan{ContextDir: repoDir}

	if src.IsStatic {
		// Static mode injects a caddy step whose asset is the Caddyfile and
		// whose deploy variables expose the public root.
		caddyfile := GenerateStaticCaddyfile(src)
		plan.Caddyfile = caddyfile
		cfg.Steps["caddy"] = map[string]any{
			"inputs": []map[string]any{{"step": "build"}},
			"assets": map[string]string{"Caddyfile": caddyfile},
			"deployOutputs": []map[string]any{{
				"include": []string{defaultStr(src.PublishDirectory, "dist")},
			}},
		}
		cfg.Deploy = map[string]any{
			"startCommand": "caddy run --config /assets/Caddyfile --adapter caddyfile",
			"variables": map[string]string{
				"PUBLIC_ROOT": "/app/" + strings.TrimPrefix(defaultStr(src.PublishDirectory, "dist"), "./"),
			},
		}
	}

	cfgPath := filepath.Join(repoDir, "railpack.zane.json")
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode railpack config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write railpack config: %w", err)
	}

	planPath := filepath.Join(repoDir, "railpack-plan.json")
	args := []string{"prepare", repoDir, "--config-file", cfgPath, "--plan-out", planPath}
	for k, v := range buildVars {
		args = append(args, "--env", k+"="+v)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: railpack prepare: %s: %s",
			types.ErrBuildFailed, err, truncate(string(out), 500))
	}

	plan.RailpackPlanPath = planPath
	return plan, nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
