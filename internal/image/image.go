// Package image renders and builds the images role tests run in.
//
// Two images are built per base name: the core image, a plain distro with
// Ansible installed and the single-role playbook baked in, and the base
// image, the core image with the "base" role applied and committed.
package image

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/adroit/internal/container"
	"github.com/terrpan/adroit/internal/engine"
	"github.com/terrpan/adroit/internal/inventory"
	"github.com/terrpan/adroit/internal/playbook"
)

// BaseRole is the foundational role applied to the core image to produce
// the base image.
const BaseRole = "base"

//go:embed templates/*.Dockerfile
var templates embed.FS

// ErrUnsupportedDistro is the sentinel error wrapped by UnsupportedDistroError.
var ErrUnsupportedDistro = errors.New("unsupported distro")

// UnsupportedDistroError is returned when no template exists for a distro.
type UnsupportedDistroError struct {
	Distro string
}

func (e *UnsupportedDistroError) Error() string {
	return fmt.Sprintf("unsupported distro %q (supported: %s)", e.Distro, strings.Join(Distros(), ", "))
}

// Unwrap returns ErrUnsupportedDistro for errors.Is compatibility.
func (e *UnsupportedDistroError) Unwrap() error { return ErrUnsupportedDistro }

// Distros lists the distros that have a core image template.
func Distros() []string {
	entries, _ := fs.ReadDir(templates, "templates")
	var out []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".Dockerfile")
		if ok && name != "base" {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// SplitRef splits "distro[:version]" and defaults the version to latest.
func SplitRef(ref string) (distro, version string) {
	distro, version, ok := strings.Cut(ref, ":")
	if !ok || version == "" {
		version = "latest"
	}
	return distro, version
}

// CoreTag returns the tag of the core image for baseName.
func CoreTag(baseName string) string { return baseName + ":core" }

// BaseTag returns the tag of the base image for baseName.
func BaseTag(baseName string) string { return baseName + ":base" }

// Config holds the Builder's collaborators.
type Config struct {
	BaseName  string
	Inventory inventory.Builder
	Engine    engine.Engine
	Runner    *container.Runner
	Applier   *playbook.Applier
	Logger    *slog.Logger
}

// Builder renders and builds the core and base images.
type Builder struct {
	baseName  string
	inventory inventory.Builder
	engine    engine.Engine
	runner    *container.Runner
	applier   *playbook.Applier
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Builder.
func New(cfg Config) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{
		baseName:  cfg.BaseName,
		inventory: cfg.Inventory,
		engine:    cfg.Engine,
		runner:    cfg.Runner,
		applier:   cfg.Applier,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("adroit/image"),
	}
}

// CoreTag returns the tag of the core image.
func (b *Builder) CoreTag() string { return CoreTag(b.baseName) }

// BaseTag returns the tag of the base image.
func (b *Builder) BaseTag() string { return BaseTag(b.baseName) }

// RenderCore renders the core image Dockerfile for imageRef.
func (b *Builder) RenderCore(imageRef string) (string, error) {
	distro, version := SplitRef(imageRef)
	if !slices.Contains(Distros(), distro) {
		return "", &UnsupportedDistroError{Distro: distro}
	}

	tmpl, err := loadTemplate(distro)
	if err != nil {
		return "", err
	}

	desc, err := playbook.Descriptor()
	if err != nil {
		return "", err
	}

	return execute(tmpl, struct {
		Version      string
		Inventory    string
		Playbook     string
		PlaybookPath string
	}{
		Version:      version,
		Inventory:    Escape(b.inventory.Render("")),
		Playbook:     Escape(desc),
		PlaybookPath: playbook.Path,
	})
}

// RenderBase renders the instructions applied when committing the base
// image.
func (b *Builder) RenderBase() (string, error) {
	tmpl, err := loadTemplate("base")
	if err != nil {
		return "", err
	}
	return execute(tmpl, struct{ CoreImage string }{CoreImage: b.CoreTag()})
}

// Build builds descriptor and tags the result as tag.
func (b *Builder) Build(ctx context.Context, descriptor, tag string) error {
	if err := b.engine.BuildImage(ctx, descriptor, tag); err != nil {
		return fmt.Errorf("build %s: %w", tag, err)
	}
	return nil
}

// BuildCore builds the core image from imageRef, pulling it first when
// pull is set.  Pull failures are logged and otherwise ignored so builds
// can run from a local image cache.
func (b *Builder) BuildCore(ctx context.Context, pull bool, imageRef string) error {
	ctx, span := b.tracer.Start(ctx, "image.BuildCore", trace.WithAttributes(
		attribute.String("image.ref", imageRef),
		attribute.Bool("pull", pull),
	))
	defer span.End()

	descriptor, err := b.RenderCore(imageRef)
	if err != nil {
		return err
	}

	if pull {
		if err := b.engine.PullImage(ctx, imageRef); err != nil {
			b.logger.Warn("pull failed, using local image",
				slog.String("image", imageRef),
				slog.String("error", err.Error()),
			)
		}
	}

	b.logger.Info("building core image",
		slog.String("from", imageRef),
		slog.String("tag", b.CoreTag()),
	)
	return b.Build(ctx, descriptor, b.CoreTag())
}

// BuildBase applies the base role to a throwaway core container and
// commits it as the base image.  The throwaway container is removed on
// every path.
func (b *Builder) BuildBase(ctx context.Context) (err error) {
	ctx, span := b.tracer.Start(ctx, "image.BuildBase")
	defer span.End()

	changes, err := b.baseChanges()
	if err != nil {
		return err
	}

	c, err := b.runner.Start(ctx, BaseRole, b.CoreTag())
	if err != nil {
		return fmt.Errorf("start %s container: %w", BaseRole, err)
	}
	defer func() {
		if rmErr := b.runner.Remove(context.WithoutCancel(ctx), c); rmErr != nil {
			if err == nil {
				err = rmErr
				return
			}
			b.logger.Warn("failed to remove throwaway container",
				slog.String("containerID", c.ID),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := b.applier.Apply(ctx, BaseRole, c.ID, false); err != nil {
		return fmt.Errorf("apply %s role: %w", BaseRole, err)
	}

	if err := b.engine.CommitContainer(ctx, c.ID, b.BaseTag(), changes); err != nil {
		return fmt.Errorf("commit %s: %w", b.BaseTag(), err)
	}

	b.logger.Info("base image built", slog.String("tag", b.BaseTag()))
	return nil
}

// baseChanges turns the rendered base descriptor into commit changes.
func (b *Builder) baseChanges() ([]string, error) {
	desc, err := b.RenderBase()
	if err != nil {
		return nil, err
	}

	var changes []string
	sc := bufio.NewScanner(strings.NewReader(desc))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		changes = append(changes, line)
	}
	return changes, sc.Err()
}

// Escape makes s safe to embed in a single-quoted printf '%b' argument on
// a single Dockerfile line.
func Escape(s string) string {
	return strings.NewReplacer(
		`\`, `\\`,
		"\n", `\n`,
		`'`, `'\''`,
	).Replace(s)
}

func loadTemplate(name string) (*template.Template, error) {
	data, err := templates.ReadFile("templates/" + name + ".Dockerfile")
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tmpl, nil
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
