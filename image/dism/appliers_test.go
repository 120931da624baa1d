package dism

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/workflow"
)

func TestAppliersCoverStepTypes(t *testing.T) {
	appliers := New().Appliers()
	for _, st := range []workflow.StepType{
		workflow.TypeAddComponents,
		workflow.TypeRemoveComponents,
		workflow.TypeInstallUpdates,
		workflow.TypeAddDrivers,
		workflow.TypeApplyRegistryTweaks,
		workflow.TypeApplyDebloat,
		workflow.TypeCleanup,
		workflow.TypeCreateISO,
		workflow.TypeCreateBootableMedia,
		workflow.TypeGenerateAnswerFile,
		workflow.TypeCustomScript,
	} {
		if appliers[st] == nil {
			t.Errorf("no applier for %s", st)
		}
	}
}

func TestAddDriversArgs(t *testing.T) {
	f := new(fakeRunner)
	c := newTestClient(f)
	applier := c.Appliers()[workflow.TypeAddDrivers]

	res, err := applier.Apply(context.Background(), `C:\mnt`, &image.ApplyRequest{
		ImagePath: `C:\install.wim`,
		Config: &workflow.AddDriversConfig{
			DriverPaths:   []string{`C:\drivers\net`},
			Recurse:       true,
			ForceUnsigned: true,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.SuccessfulItems) != 1 {
		t.Errorf("successful items: got %v", res.SuccessfulItems)
	}
	want := []string{
		"dism.exe",
		`/Image:C:\mnt`,
		"/Add-Driver",
		`/Driver:C:\drivers\net`,
		"/Recurse",
		"/ForceUnsigned",
	}
	if have := f.lastCall(); !equalSlices(have, want) {
		t.Errorf("dism args:\nhave %v\nwant %v", have, want)
	}
}

func TestPerItemAggregation(t *testing.T) {
	items := []string{"one", "two", "three"}
	res, err := perItem(items, func(item string) error {
		if item == "two" {
			return errors.New("install failed")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if len(res.SuccessfulItems) != 2 || len(res.FailedItems) != 1 {
		t.Errorf("items: successful %v, failed %v", res.SuccessfulItems, res.FailedItems)
	}
	if res.FailedItems[0] != "two" {
		t.Errorf("failed item: got %q", res.FailedItems[0])
	}
	if !strings.Contains(res.Message, "1 of 3") {
		t.Errorf("message: got %q", res.Message)
	}
}

func TestApplierWrongConfig(t *testing.T) {
	c := newTestClient(new(fakeRunner))
	applier := c.Appliers()[workflow.TypeAddDrivers]
	_, err := applier.Apply(context.Background(), `C:\mnt`, &image.ApplyRequest{
		Config: &workflow.CleanupConfig{},
	})
	if !errors.Is(err, ErrWrongConfig) {
		t.Errorf("got %v, want ErrWrongConfig", err)
	}
}

func TestCleanupArgs(t *testing.T) {
	f := new(fakeRunner)
	c := newTestClient(f)
	applier := c.Appliers()[workflow.TypeCleanup]

	if _, err := applier.Apply(context.Background(), `C:\mnt`, &image.ApplyRequest{
		Config: &workflow.CleanupConfig{ResetBase: true},
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"dism.exe",
		`/Image:C:\mnt`,
		"/Cleanup-Image",
		"/StartComponentCleanup",
		"/ResetBase",
	}
	if have := f.lastCall(); !equalSlices(have, want) {
		t.Errorf("dism args:\nhave %v\nwant %v", have, want)
	}
}

func TestISOArgs(t *testing.T) {
	f := new(fakeRunner)
	c := New(WithRunner(f.run), WithOscdimgPath(`C:\adk\oscdimg.exe`))
	applier := c.Appliers()[workflow.TypeCreateISO]

	res, err := applier.Apply(context.Background(), "", &image.ApplyRequest{
		Config: &workflow.CreateISOConfig{
			SourceDir:   `C:\media`,
			OutputPath:  `C:\out\win.iso`,
			VolumeLabel: "WIN11",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Message, `C:\out\win.iso`) {
		t.Errorf("message: got %q", res.Message)
	}
	call := f.lastCall()
	if call[0] != `C:\adk\oscdimg.exe` {
		t.Errorf("tool: got %q", call[0])
	}
	joined := strings.Join(call, " ")
	for _, want := range []string{"-lWIN11", "-bootdata:2#p0,e,b", "etfsboot.com", "efisys.bin", `C:\media C:\out\win.iso`} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, call)
		}
	}
}

func TestRegistryTweakLoadsAndUnloadsHive(t *testing.T) {
	f := new(fakeRunner)
	c := newTestClient(f)
	applier := c.Appliers()[workflow.TypeApplyRegistryTweaks]

	_, err := applier.Apply(context.Background(), `C:\mnt`, &image.ApplyRequest{
		Config: &workflow.ApplyRegistryTweaksConfig{
			Tweaks: []workflow.RegistryTweak{{
				Hive:  "SOFTWARE",
				Key:   `Policies\Microsoft\Windows\CloudContent`,
				Name:  "DisableWindowsConsumerFeatures",
				Type:  "REG_DWORD",
				Value: "1",
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("calls: got %d, want load/add/unload", len(f.calls))
	}
	if f.calls[0][1] != "load" || !strings.HasSuffix(f.calls[0][3], filepath.Join("Windows", "System32", "config", "SOFTWARE")) {
		t.Errorf("load call: %v", f.calls[0])
	}
	if f.calls[1][1] != "add" {
		t.Errorf("add call: %v", f.calls[1])
	}
	if f.calls[2][1] != "unload" {
		t.Errorf("unload call: %v", f.calls[2])
	}
}

func TestGenerateAnswerFile(t *testing.T) {
	c := newTestClient(new(fakeRunner))
	applier := c.Appliers()[workflow.TypeGenerateAnswerFile]

	out := filepath.Join(t.TempDir(), "panther", "unattend.xml")
	_, err := applier.Apply(context.Background(), "", &image.ApplyRequest{
		Config: &workflow.GenerateAnswerFileConfig{
			OutputPath:   out,
			ComputerName: "LAB-01",
			TimeZone:     "UTC",
			Settings:     map[string]string{"DEPLOY_ENV": "lab"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{
		"<ComputerName>LAB-01</ComputerName>",
		"<TimeZone>UTC</TimeZone>",
		`setx DEPLOY_ENV "lab" /m`,
	} {
		if !strings.Contains(content, want) {
			t.Errorf("unattend.xml missing %q", want)
		}
	}
	if strings.Contains(content, "<ProductKey>") {
		t.Error("unattend.xml has an empty product key element")
	}
}

func TestCustomScriptAppendsMountPath(t *testing.T) {
	f := &fakeRunner{out: "customized\nmore output"}
	c := newTestClient(f)
	applier := c.Appliers()[workflow.TypeCustomScript]

	res, err := applier.Apply(context.Background(), `C:\mnt`, &image.ApplyRequest{
		Config: &workflow.CustomScriptConfig{
			Path: `C:\scripts\tweak.cmd`,
			Args: []string{"-v"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "customized" {
		t.Errorf("message: got %q", res.Message)
	}
	want := []string{`C:\scripts\tweak.cmd`, "-v", `C:\mnt`}
	if have := f.lastCall(); !equalSlices(have, want) {
		t.Errorf("script args:\nhave %v\nwant %v", have, want)
	}
}
