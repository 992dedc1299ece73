package verity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractRootHash(t *testing.T) {
	tests := map[string]struct {
		output string
		want   string
	}{
		"tab separated": {
			output: "VERITY header information for /dev/nbd1\nUUID:            \t1234\nHash type:       \t1\nRoot hash:      \tdeadbeefcafe\n",
			want:   "deadbeefcafe",
		},
		"with trailing percent": {
			output: "Root hash:\tabc123%\n",
			want:   "abc123",
		},
		"no root line": {
			output: "Hash type: 1\nData blocks: 100\n",
			want:   "",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := extractRootHash(tc.output)
			if got != tc.want {
				t.Errorf("extractRootHash: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLastFieldOfLastMatch(t *testing.T) {
	output := "  LV Path                /dev/vg0/lv-old\n" +
		"  VG Name                vg0\n" +
		"  LV Path                /dev/vg0/lv-new\n"

	if got, want := lastFieldOfLastMatch(output, "LV Path"), "/dev/vg0/lv-new"; got != want {
		t.Errorf("lastFieldOfLastMatch(LV Path): got %q, want %q", got, want)
	}
	if got, want := lastFieldOfLastMatch(output, "VG Name"), "vg0"; got != want {
		t.Errorf("lastFieldOfLastMatch(VG Name): got %q, want %q", got, want)
	}
	if got := lastFieldOfLastMatch(output, "missing marker"); got != "" {
		t.Errorf("expected empty string for absent marker, got %q", got)
	}
}

func TestDisableDefaultShellLoginsPreservesRoot(t *testing.T) {
	dstFolder := t.TempDir()
	etcDir := filepath.Join(dstFolder, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	passwd := "root:x:0:0:root:/root:/bin/bash\n" +
		"alice:x:1000:1000:Alice:/home/alice:/bin/bash\n" +
		"daemon:x:2:2:daemon:/sbin:/usr/sbin/nologin\n"
	passwdPath := filepath.Join(etcDir, "passwd")
	if err := os.WriteFile(passwdPath, []byte(passwd), 0o644); err != nil {
		t.Fatal(err)
	}

	b := &builder{dstFolder: dstFolder}
	if err := b.disableDefaultShellLogins(context.Background()); err != nil {
		t.Fatalf("disableDefaultShellLogins: %v", err)
	}

	got, err := os.ReadFile(passwdPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "root:x:0:0:root:/root:/bin/bash\n" +
		"alice:x:1000:1000:Alice:/home/alice:/usr/sbin/nologin\n" +
		"daemon:x:2:2:daemon:/sbin:/usr/sbin/nologin\n"
	if string(got) != want {
		t.Errorf("passwd after rewrite:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestStripGrubConsoleRewritesCmdline(t *testing.T) {
	dstFolder := t.TempDir()
	defaultDir := filepath.Join(dstFolder, "etc", "default")
	if err := os.MkdirAll(defaultDir, 0o755); err != nil {
		t.Fatal(err)
	}
	grubPath := filepath.Join(defaultDir, "grub")
	original := `GRUB_TIMEOUT=5
GRUB_CMDLINE_LINUX_DEFAULT="quiet console=ttyS0 splash"
`
	if err := os.WriteFile(grubPath, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	b := &builder{dstFolder: dstFolder}
	if err := b.stripGrubConsole(context.Background()); err != nil {
		t.Fatalf("stripGrubConsole: %v", err)
	}

	got, err := os.ReadFile(grubPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(got), "console=ttyS0") {
		t.Errorf("console= token not stripped: %s", got)
	}
	if !strings.Contains(string(got), "console=none") {
		t.Errorf("console=none not appended: %s", got)
	}
}

func TestStripGrubConsoleToleratesAbsentFile(t *testing.T) {
	b := &builder{dstFolder: t.TempDir()}
	if err := b.stripGrubConsole(context.Background()); err != nil {
		t.Fatalf("expected no error for an absent grub config, got %v", err)
	}
}
