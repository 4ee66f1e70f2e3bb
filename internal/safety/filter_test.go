package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_RootDelete(t *testing.T) {
	v := Classify("rm -rf /")
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleRecursiveDelete, v.Rule)
	assert.NotEmpty(t, v.Reason)
}

func TestClassify_ScopedDeleteAllowed(t *testing.T) {
	assert.True(t, Classify("rm -rf /tmp/build").Allowed)
}

func TestClassify_CaseInsensitive(t *testing.T) {
	assert.False(t, Classify("RM -RF /").Allowed)
}

func TestClassify_Blocked(t *testing.T) {
	cases := map[string]string{
		"rm -r -f /":                        RuleRecursiveDelete,
		"rm --recursive --force /":          RuleRecursiveDelete,
		"rm -fr /*":                         RuleRecursiveDelete,
		"rm -rf ~":                          RuleRecursiveDelete,
		"rm -rf ~/":                         RuleRecursiveDelete,
		"rm -rf $HOME":                      RuleRecursiveDelete,
		"rm -rf \"${HOME}/\"":               RuleRecursiveDelete,
		"rm -rf /home/alice":                RuleRecursiveDelete,
		"rm -rf /etc":                       RuleRecursiveDelete,
		"rm -rf \"$STEAMROOT/\"*":           RuleRecursiveDelete,
		"sudo -u root rm -rf /":             RuleRecursiveDelete,
		"cd /tmp && rm -rf /":               RuleRecursiveDelete,
		"echo ok; rm -rf /usr":              RuleRecursiveDelete,
		"rm --no-preserve-root -rf /":       RuleRecursiveDelete,
		"find / -name '*.log' -delete":      RuleRecursiveDelete,
		"rm -rf /*/":                        RuleRecursiveDelete,
		"rm -rf /*/*":                       RuleRecursiveDelete,
		"rm -rf /?*":                        RuleRecursiveDelete,
		"rm -rf ~root":                      RuleRecursiveDelete,
		"rm -rf ~alice/*":                   RuleRecursiveDelete,
		"rm -rf ../../../../../../..":       RuleRecursiveDelete,
		"rm -rf ../*":                       RuleRecursiveDelete,
		"cd / && rm -rf *":                  RuleRecursiveDelete,
		"cd /; rm -rf .":                    RuleRecursiveDelete,
		"cd ~ && rm -rf *":                  RuleRecursiveDelete,
		"cd && rm -rf .":                    RuleRecursiveDelete,
		"cd $HOME && rm -rf ..":             RuleRecursiveDelete,
		"cd /etc && rm -rf *":               RuleRecursiveDelete,
		"cd / && find . -delete":            RuleRecursiveDelete,
		"cd / && chmod -R 777 *":            RuleRecursivePerms,
		"mkfs.ext4 /dev/sdb1":               RuleDiskFormat,
		"sudo fdisk /dev/sda":               RuleDiskFormat,
		"parted /dev/nvme0n1 mklabel gpt":   RuleDiskFormat,
		"wipefs -a /dev/sdc":                RuleDiskFormat,
		":(){ :|:& };:":                     RuleForkBomb,
		"bomb() { bomb | bomb & }; bomb":    RuleForkBomb,
		"dd if=/dev/zero of=/dev/sda bs=1M": RuleBlockDevice,
		"cat image.iso > /dev/sdb":          RuleBlockDevice,
		"echo x >> /dev/nvme0n1":            RuleBlockDevice,
		"shutdown -h now":                   RulePowerControl,
		"sudo reboot":                       RulePowerControl,
		"init 0":                            RulePowerControl,
		"systemctl poweroff":                RulePowerControl,
		"chmod -R 777 /":                    RuleRecursivePerms,
		"chown -R nobody /etc":              RuleRecursivePerms,
	}
	for cmd, rule := range cases {
		t.Run(cmd, func(t *testing.T) {
			v := Classify(cmd)
			assert.False(t, v.Allowed, "expected %q to be blocked", cmd)
			assert.Equal(t, rule, v.Rule)
		})
	}
}

func TestClassify_Allowed(t *testing.T) {
	cases := []string{
		"",
		"ls -la",
		"rm file.txt",
		"rm -f /tmp/cache.lock",
		"rm -rf ./build",
		"rm -rf node_modules dist",
		"rm -rf ~/projects/old",
		"rm -rf $HOME/.cache/pip",
		"rm -rf $WORKDIR/out",
		"rm -rf ../dist",
		"cd /tmp/build && rm -rf *",
		"cd / && cd tmp && rm -rf *",
		"cd src && rm -rf .",
		"cd ~/projects && rm -rf old",
		"find . -name '*.tmp' -delete",
		"dd if=/dev/urandom of=random.bin bs=1k count=4",
		"make build 2>/dev/null",
		"go test ./... > /dev/null 2>&1",
		"echo hello > out.txt",
		"chmod -R 755 ./scripts",
		"chmod +x /usr/local/bin/tool",
		"git log --format=oneline",
		"cat asphalt.txt",
	}
	for _, cmd := range cases {
		t.Run(cmd, func(t *testing.T) {
			v := Classify(cmd)
			assert.True(t, v.Allowed, "expected %q to be allowed, got %s: %s", cmd, v.Rule, v.Reason)
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	cmd := "rm -rf / && echo done"
	first := Classify(cmd)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(cmd))
	}
}
