package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hostsync/pkg/shared"
)

func TestParseRsyncListLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantPath string
		wantKind shared.ResourceKind
		wantSize int64
	}{
		{
			name:     "regular file",
			line:     "-rw-r--r--          1,234 2024/01/02 03:04:05 docs/readme.txt",
			wantOK:   true,
			wantPath: "docs/readme.txt",
			wantKind: shared.ResourceFile,
			wantSize: 1234,
		},
		{
			name:     "directory",
			line:     "drwxr-xr-x          4,096 2024/01/02 03:04:05 docs",
			wantOK:   true,
			wantPath: "docs",
			wantKind: shared.ResourceDir,
			wantSize: 4096,
		},
		{
			name:     "file name with spaces",
			line:     "-rw-r--r--             12 2024/01/02 03:04:05 weekly report final.txt",
			wantOK:   true,
			wantPath: "weekly report final.txt",
			wantKind: shared.ResourceFile,
			wantSize: 12,
		},
		{
			name:   "self entry",
			line:   "drwxr-xr-x          4,096 2024/01/02 03:04:05 .",
			wantOK: false,
		},
		{
			name:   "symlink skipped",
			line:   "lrwxrwxrwx             11 2024/01/02 03:04:05 current -> releases/3",
			wantOK: false,
		},
		{
			name:   "blank line",
			line:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := parseRsyncListLine(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantPath, res.Path)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.wantSize, res.Size)
		})
	}
}

func TestRsyncRemoteSpec(t *testing.T) {
	daemon, err := newRsyncAdapter(&shared.Connection{
		Host:     "mirror.example.com",
		Username: "backup",
		BasePath: "/store",
	}, shared.Credential{Password: "pw"}, 0)
	assert.NoError(t, err)
	assert.Equal(t, "rsync://backup@mirror.example.com/store", daemon.(*rsyncAdapter).remoteSpec("/store"))

	overSSH, err := newRsyncAdapter(&shared.Connection{
		Host:     "mirror.example.com",
		Username: "backup",
		BasePath: "/store",
	}, shared.Credential{PrivateKey: "key"}, 0)
	assert.NoError(t, err)
	assert.Equal(t, "backup@mirror.example.com:/store", overSSH.(*rsyncAdapter).remoteSpec("/store"))
}
