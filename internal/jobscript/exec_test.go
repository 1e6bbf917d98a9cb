package jobscript

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/wsi-batch/internal/annotation"
	"github.com/animus-labs/wsi-batch/internal/domain"
)

// counterEnv turns the test binary into the in-job counter, so the rendered
// script is exercised against the real decision.
const counterEnv = "WSI_BATCH_TEST_COUNTER"

func TestMain(m *testing.M) {
	if os.Getenv(counterEnv) == "1" {
		os.Exit(runCounter(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runCounter(args []string) int {
	if len(args) == 0 || args[0] != "count" {
		return 2
	}
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	decide := fs.Bool("decide", false, "")
	anot := fs.String("anot", "", "")
	fallback := fs.String("fallback", "", "")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	counts, _ := annotation.CountPreferred(*anot, *fallback)
	fmt.Println(counts.String())
	if *decide && !annotation.ShouldRenderLabels(counts) {
		return 1
	}
	return 0
}

// runCPUScript builds the CPU script with a logging docker stand-in, runs
// it under bash and returns the recorded docker invocations.
func runCPUScript(t *testing.T, counterBin, ppcDoc string) []string {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	dockerLog := filepath.Join(dir, "docker.log")
	docker := filepath.Join(dir, "docker")
	if err := os.WriteFile(docker, []byte("#!/bin/sh\nprintf '%s\\n' \"$*\" >> \"$DOCKER_LOG\"\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}

	opts := testOptions(t)
	opts.OutputDir = filepath.Join(dir, "out")
	opts.ScriptDir = filepath.Join(opts.OutputDir, "slurm_logs")
	opts.DockerBin = docker
	opts.CounterBin = counterBin
	p, err := newTestBuilder(t, opts).Build(domain.WorkItem{LocalPath: "/wsi_archive/site1/caseA.svs"})
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}
	if ppcDoc != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			t.Fatalf("MkdirAll() err=%v", err)
		}
		if err := os.WriteFile(p.Outputs.PPCAnnotation, []byte(ppcDoc), 0o600); err != nil {
			t.Fatalf("WriteFile() err=%v", err)
		}
	}
	if err := Write(p.CPU); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	cmd := exec.Command(bash, p.CPU.ScriptPath)
	cmd.Env = append(os.Environ(), counterEnv+"=1", "DOCKER_LOG="+dockerLog)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("cpu script err=%v\n%s", err, out)
	}
	raw, err := os.ReadFile(dockerLog)
	if err != nil {
		t.Fatalf("ReadFile() err=%v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func testBinary(t *testing.T) string {
	t.Helper()
	bin, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable() err=%v", err)
	}
	return bin
}

func TestCPUScript_PositiveCountsRenderLabels(t *testing.T) {
	runs := runCPUScript(t, testBinary(t), `{"stats":{"NumberPositive":3,"NumberWeakPositive":0,"NumberStrongPositive":0}}`)
	if len(runs) != 2 {
		t.Fatalf("docker runs=%d, want 2: %q", len(runs), runs)
	}
	if strings.Contains(runs[0], "--outputLabelImage") {
		t.Fatalf("first run must not render labels: %s", runs[0])
	}
	if !strings.Contains(runs[1], "--outputLabelImage /output/caseA.tiff") {
		t.Fatalf("second run must render labels: %s", runs[1])
	}
}

func TestCPUScript_ZeroCountsSkipLabels(t *testing.T) {
	runs := runCPUScript(t, testBinary(t), `{"stats":{"NumberPositive":0,"NumberWeakPositive":0,"NumberStrongPositive":0}}`)
	if len(runs) != 1 {
		t.Fatalf("docker runs=%d, want 1: %q", len(runs), runs)
	}
}

func TestCPUScript_MissingAnnotationSkipsLabels(t *testing.T) {
	runs := runCPUScript(t, testBinary(t), "")
	if len(runs) != 1 {
		t.Fatalf("docker runs=%d, want 1: %q", len(runs), runs)
	}
}

func TestCPUScript_CounterFailureSkipsLabels(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-counter")
	runs := runCPUScript(t, missing, `{"stats":{"NumberPositive":3}}`)
	if len(runs) != 1 {
		t.Fatalf("docker runs=%d, want 1: %q", len(runs), runs)
	}
}
