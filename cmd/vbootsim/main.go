// Command vbootsim drives the verified-boot decision engine against a
// generated boot scenario and reports the outcome. It plays the part of
// the UI/host collaborators spec.md places outside the core (§1, §2): it
// owns the resource-read capability, the simulated TPM/NV backing store,
// and — for the recovery/diagnostic paths — the confirmation prompt a
// real board would show on its display.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/openfw/vboot2/bootpath"
	"github.com/openfw/vboot2/gbb"
	"github.com/openfw/vboot2/internal/fixture"
	"github.com/openfw/vboot2/internal/simhost"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/vctx"
)

var scenarios = map[string]fixture.Config{
	// S1: clean normal boot, all versions line up, nothing to commit.
	"clean": {
		KeyVersion: 2, PreambleVersion: 2, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		NV: fixture.NVState{KernelMaxRollforward: 0xffffffff},
	},
	// S2: keyblock data_key.key_version sits below the secdata floor.
	"keyblock-rollback": {
		KeyVersion: 1, PreambleVersion: 2, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		NV: fixture.NVState{KernelMaxRollforward: 0xffffffff},
	},
	// S3: same as S2, but GBB.flags disables the rollback check.
	"rollback-override": {
		KeyVersion: 1, PreambleVersion: 2, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		DisableFwRollbackCheck: true,
		NV:                     fixture.NVState{KernelMaxRollforward: 0xffffffff},
	},
	// S4: preamble firmware_version is newer than secdata and the
	// previous boot tried and succeeded on the same slot, so Phase3
	// rolls the counter forward.
	"roll-forward": {
		KeyVersion: 2, PreambleVersion: 3, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		NV: fixture.NVState{
			TryNext: 0, FwTried: 0, FwResult: nvdata.FwResultSuccess,
			KernelMaxRollforward: 0xffffffff,
		},
	},
	// S5: try_count exhausted while TRYING the slot currently named by
	// try_next; select_fw_slot must fall back to the other slot.
	"try-exhaustion": {
		KeyVersion: 2, PreambleVersion: 2, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		NV: fixture.NVState{
			TryNext: 0, TryCount: 0, FwTried: 0, FwResult: nvdata.FwResultTrying,
			KernelMaxRollforward: 0xffffffff,
		},
	},
	// S6: secdata_firmware's CRC is corrupt; Phase1 must fail before a
	// slot is ever chosen.
	"secdata-failure": {
		KeyVersion: 2, PreambleVersion: 2, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		CorruptSecdataFirmwareCRC: true,
		NV:                        fixture.NVState{KernelMaxRollforward: 0xffffffff},
	},
	// Manual recovery: the host sets the context's manual-recovery signal
	// before phase1 runs, with no subcode present.
	"manual-recovery": {
		KeyVersion: 2, PreambleVersion: 2, KernelVersion: 1,
		SecdataFwVersions: 0x20002, SecdataKernelVersions: 1,
		NV: fixture.NVState{KernelMaxRollforward: 0xffffffff},
	},
}

func main() {
	scenario := flag.String("scenario", "clean", fmt.Sprintf("boot scenario to run (%s)", scenarioNames()))
	interactive := flag.Bool("interactive", false, "prompt for a recovery/diagnostic confirmation code on a real terminal")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, ok := scenarios[*scenario]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown scenario %q; choices: %s\n", *scenario, scenarioNames())
		os.Exit(2)
	}

	if err := run(log, *scenario, cfg, *interactive); err != nil {
		log.Error("vbootsim:failed", "error", err)
		os.Exit(1)
	}
}

func scenarioNames() string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	return fmt.Sprintf("%v", names)
}

func run(log *slog.Logger, name string, cfg fixture.Config, interactive bool) error {
	s, err := fixture.Build(cfg)
	if err != nil {
		return fmt.Errorf("building scenario %q: %w", name, err)
	}
	host := simhost.New(s)

	ctx, err := vctx.New(make([]byte, 64*1024), host)
	if err != nil {
		return fmt.Errorf("initializing engine context: %w", err)
	}
	ctx.Trace = func(event string, kv ...any) {
		args := append([]any{"scenario", name}, kv...)
		log.Debug(event, args...)
	}
	if name == "manual-recovery" {
		ctx.State.ContextFlags.ManualRecoveryRequest = true
	}

	gbbHeader, err := host.ReadResource(vctx.ResourceGBB, 0, gbb.HeaderSize)
	if err != nil {
		return err
	}
	rootKey, err := host.ReadResource(vctx.ResourceGBB, s.RootKeyOffset, s.RootKeySize)
	if err != nil {
		return err
	}
	recoveryKey, err := host.ReadResource(vctx.ResourceGBB, s.RecoveryKeyOffset, s.RecKeySize)
	if err != nil {
		return err
	}
	keyblock, err := host.ReadResource(vctx.ResourceFWVblock, s.KeyblockOffset, s.KeyblockSize)
	if err != nil {
		return err
	}
	preamble, err := host.ReadResource(vctx.ResourceFWVblock, s.PreambleOffset, s.PreambleSize)
	if err != nil {
		return err
	}
	fwInputs := bootpath.FirmwareInputs{
		NV:              host.NV[:],
		SecdataFirmware: host.SecdataFirmware[:],
		GBB:             gbbHeader,
		RootKey:         rootKey,
		Keyblock:        keyblock,
		Preamble:        preamble,
		Body:            s.Body,
	}
	kernInputs := bootpath.KernelInputs{
		SecdataKernel: host.SecdataKernel[:],
		SecdataFwmp:   s.SecdataFwmp,
		RecoveryKey:   recoveryKey,
		Preamble:      s.KernelPreamble,
		Body:          s.KernelBody,
	}

	result, runErr := bootpath.TryLoadKernel(ctx, fwInputs, kernInputs)

	path := bootpath.Select(ctx)
	log.Info("vbootsim:outcome",
		"scenario", name,
		"path", path.String(),
		"in_recovery", ctx.InRecovery(),
		"recovery_reason", ctx.State.RecoveryReason,
		"selected_slot", ctx.State.SelectedFwSlot,
		"committed", host.Writes,
	)

	if runErr != nil {
		log.Warn("vbootsim:boot-denied", "scenario", name, "error", runErr)
	} else {
		log.Info("vbootsim:boot-allowed",
			"scenario", name,
			"firmware_version", result.FirmwareVersion,
			"kernel_version", result.KernelVersion,
			"developer_root_key", result.DeveloperRootKey,
		)
	}

	if interactive && (path == bootpath.PathRecovery || path == bootpath.PathDiagnostic) {
		return promptConfirmation(log)
	}
	return nil
}

// promptConfirmation models the one piece of core logic a recovery or
// diagnostic screen calls back into before retrying the boot: a
// constant-time compare of an operator-entered code (§9 design notes,
// bootpath.DiagnosticConfirm). It reads without echo via golang.org/x/term
// when stdin is a real terminal, falling back to a plain line read
// otherwise (e.g. when vbootsim's output is piped).
func promptConfirmation(log *slog.Logger) error {
	const expected = "CONFIRM"
	fmt.Fprint(os.Stderr, "enter confirmation code to continue boot: ")

	var entered string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("reading confirmation code: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		entered = string(b)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading confirmation code: %w", err)
		}
		entered = line
		for len(entered) > 0 && (entered[len(entered)-1] == '\n' || entered[len(entered)-1] == '\r') {
			entered = entered[:len(entered)-1]
		}
	}

	if bootpath.DiagnosticConfirm([]byte(entered), []byte(expected)) {
		log.Info("vbootsim:confirmed")
		return nil
	}
	log.Warn("vbootsim:confirmation-rejected")
	return nil
}
