package dism

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/workflow"
)

// Appliers returns the full applier set for the client, keyed by the
// step types they implement.
func (c *Client) Appliers() map[workflow.StepType]image.Applier {
	return map[workflow.StepType]image.Applier{
		workflow.TypeAddComponents:       &addComponentsApplier{c},
		workflow.TypeRemoveComponents:    &removeComponentsApplier{c},
		workflow.TypeInstallUpdates:      &installUpdatesApplier{c},
		workflow.TypeAddDrivers:          &addDriversApplier{c},
		workflow.TypeApplyRegistryTweaks: &registryApplier{c},
		workflow.TypeApplyDebloat:        &debloatApplier{c},
		workflow.TypeCleanup:             &cleanupApplier{c},
		workflow.TypeCreateISO:           &isoApplier{c},
		workflow.TypeCreateBootableMedia: &mediaApplier{c},
		workflow.TypeGenerateAnswerFile:  &answerFileApplier{c},
		workflow.TypeCustomScript:        &scriptApplier{c},
	}
}

// perItem runs op for each item and aggregates the outcome. Any item
// failure fails the whole application; the result still carries what
// succeeded.
func perItem(items []string, op func(item string) error) (*image.ApplyResult, error) {
	res := new(image.ApplyResult)
	var lastErr error
	for _, item := range items {
		if err := op(item); err != nil {
			res.FailedItems = append(res.FailedItems, item)
			lastErr = err
			continue
		}
		res.SuccessfulItems = append(res.SuccessfulItems, item)
	}
	if lastErr != nil {
		res.Message = fmt.Sprintf("%d of %d items failed", len(res.FailedItems), len(items))
		return res, fmt.Errorf("%s: %w", res.Message, lastErr)
	}
	res.Message = fmt.Sprintf("%d items applied", len(items))
	return res, nil
}

type addComponentsApplier struct{ c *Client }

func (a *addComponentsApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.AddComponentsConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	return perItem(cfg.Components, func(name string) error {
		args := []string{
			"/Image:" + mountPath,
			"/Add-Capability",
			"/CapabilityName:" + name,
		}
		if cfg.PackagePath != "" {
			args = append(args, "/Source:"+cfg.PackagePath)
		}
		out, err := a.c.run(ctx, a.c.dismPath, args...)
		return classify(out, err)
	})
}

type removeComponentsApplier struct{ c *Client }

func (a *removeComponentsApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.RemoveComponentsConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	return perItem(cfg.Components, func(name string) error {
		out, err := a.c.run(ctx, a.c.dismPath,
			"/Image:"+mountPath,
			"/Remove-Capability",
			"/CapabilityName:"+name,
		)
		return classify(out, err)
	})
}

type installUpdatesApplier struct{ c *Client }

func (a *installUpdatesApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.InstallUpdatesConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	return perItem(cfg.UpdatePaths, func(path string) error {
		out, err := a.c.run(ctx, a.c.dismPath,
			"/Image:"+mountPath,
			"/Add-Package",
			"/PackagePath:"+path,
		)
		return classify(out, err)
	})
}

type addDriversApplier struct{ c *Client }

func (a *addDriversApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.AddDriversConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	return perItem(cfg.DriverPaths, func(path string) error {
		args := []string{
			"/Image:" + mountPath,
			"/Add-Driver",
			"/Driver:" + path,
		}
		if cfg.Recurse {
			args = append(args, "/Recurse")
		}
		if cfg.ForceUnsigned {
			args = append(args, "/ForceUnsigned")
		}
		out, err := a.c.run(ctx, a.c.dismPath, args...)
		return classify(out, err)
	})
}

// registryApplier edits the image's offline registry hives with
// reg.exe: load the hive, apply the tweak, unload.
type registryApplier struct{ c *Client }

const offlineHiveKey = `HKLM\WIMCMD_OFFLINE`

func (a *registryApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.ApplyRegistryTweaksConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	items := make([]string, len(cfg.Tweaks))
	byItem := make(map[string]workflow.RegistryTweak, len(cfg.Tweaks))
	for i, t := range cfg.Tweaks {
		item := t.Hive + `\` + t.Key + `\` + t.Name
		items[i] = item
		byItem[item] = t
	}
	return perItem(items, func(item string) error {
		t := byItem[item]
		hiveFile := filepath.Join(mountPath, "Windows", "System32", "config", hiveFileName(t.Hive))
		if out, err := a.c.run(ctx, "reg.exe", "load", offlineHiveKey, hiveFile); err != nil {
			return classify(out, err)
		}
		defer a.c.run(ctx, "reg.exe", "unload", offlineHiveKey)
		out, err := a.c.run(ctx, "reg.exe", "add",
			offlineHiveKey+`\`+t.Key,
			"/v", t.Name,
			"/t", t.Type,
			"/d", t.Value,
			"/f",
		)
		return classify(out, err)
	})
}

func hiveFileName(hive string) string {
	switch hive {
	case "HKLM\\SYSTEM", "SYSTEM":
		return "SYSTEM"
	case "HKLM\\SOFTWARE", "SOFTWARE", "":
		return "SOFTWARE"
	case "HKU\\.DEFAULT", "DEFAULT":
		return "DEFAULT"
	}
	return hive
}

type debloatApplier struct{ c *Client }

func (a *debloatApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.ApplyDebloatConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	return perItem(cfg.RemovePackages, func(name string) error {
		out, err := a.c.run(ctx, a.c.dismPath,
			"/Image:"+mountPath,
			"/Remove-ProvisionedAppxPackage",
			"/PackageName:"+name,
		)
		return classify(out, err)
	})
}

type cleanupApplier struct{ c *Client }

func (a *cleanupApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.CleanupConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	args := []string{
		"/Image:" + mountPath,
		"/Cleanup-Image",
		"/StartComponentCleanup",
	}
	if cfg.ResetBase {
		args = append(args, "/ResetBase")
	}
	out, err := a.c.run(ctx, a.c.dismPath, args...)
	if err = classify(out, err); err != nil {
		return nil, err
	}
	return &image.ApplyResult{Message: "component store cleaned"}, nil
}

type isoApplier struct{ c *Client }

func (a *isoApplier) Apply(ctx context.Context, _ string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.CreateISOConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	args := []string{"-m", "-o", "-u2", "-udfver102"}
	if cfg.VolumeLabel != "" {
		args = append(args, "-l"+cfg.VolumeLabel)
	}
	etfsboot := filepath.Join(cfg.SourceDir, "boot", "etfsboot.com")
	efisys := filepath.Join(cfg.SourceDir, "efi", "microsoft", "boot", "efisys.bin")
	args = append(args,
		fmt.Sprintf("-bootdata:2#p0,e,b%s#pEF,e,b%s", etfsboot, efisys),
		cfg.SourceDir,
		cfg.OutputPath,
	)
	out, err := a.c.run(ctx, a.c.oscdimgPath, args...)
	if err = classify(out, err); err != nil {
		return nil, err
	}
	return &image.ApplyResult{Message: "created " + cfg.OutputPath}, nil
}

type mediaApplier struct{ c *Client }

func (a *mediaApplier) Apply(ctx context.Context, _ string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.CreateBootableMediaConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	out, err := a.c.run(ctx, "robocopy.exe", cfg.SourceDir, cfg.Device, "/MIR")
	// robocopy exit codes below 8 indicate success.
	if err != nil {
		if code, ok := exitCode(err); ok && code < 8 {
			err = nil
		}
	}
	if err = classify(out, err); err != nil {
		return nil, err
	}
	return &image.ApplyResult{Message: "media written to " + cfg.Device}, nil
}

func exitCode(err error) (int, bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), true
	}
	return 0, false
}

type answerFileApplier struct{ c *Client }

func (a *answerFileApplier) Apply(_ context.Context, _ string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.GenerateAnswerFileConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	tmpl, err := template.New("unattend").Parse(unattendTemplate)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	if err = tmpl.Execute(f, cfg); err != nil {
		f.Close()
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, err
	}
	return &image.ApplyResult{Message: "wrote " + cfg.OutputPath}, nil
}

// scriptApplier runs a user-supplied script. The mount path, when
// present, is appended as the final argument.
type scriptApplier struct{ c *Client }

func (a *scriptApplier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	cfg, ok := req.Config.(*workflow.CustomScriptConfig)
	if !ok {
		return nil, ErrWrongConfig
	}
	args := append([]string{}, cfg.Args...)
	if mountPath != "" {
		args = append(args, mountPath)
	}
	out, err := a.c.run(ctx, cfg.Path, args...)
	if err = classify(out, err); err != nil {
		return nil, err
	}
	msg := firstLine(out)
	if msg == "" {
		msg = "script completed"
	}
	return &image.ApplyResult{Message: msg}, nil
}
