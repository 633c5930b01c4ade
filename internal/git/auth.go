package git

import (
	"fmt"
	"os"
	"strings"

	"github.com/schaermu/gitdrive/internal/shell"
)

// tokenEnvVar carries the HTTPS token to the credential helper so the token
// never appears in a command line.
const tokenEnvVar = "GITDRIVE_GIT_TOKEN"

// AuthEnv returns the environment every git process needs to talk to the
// remote non-interactively, with an optional SSH key or HTTPS token.
func AuthEnv(sshKeyFile, httpsTokenFile string) ([]string, error) {
	env := []string{"GIT_TERMINAL_PROMPT=0"}

	if sshKeyFile != "" {
		sshCmd := fmt.Sprintf("ssh -i %s -o BatchMode=yes -o StrictHostKeyChecking=accept-new -F /dev/null", shell.Quote(sshKeyFile))
		env = append(env, "GIT_SSH_COMMAND="+sshCmd)
	}

	if httpsTokenFile != "" {
		token, err := os.ReadFile(httpsTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		// Configuration through the environment needs MinTokenAuthVersion.
		env = append(env,
			tokenEnvVar+"="+strings.TrimSpace(string(token)),
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=credential.helper",
			`GIT_CONFIG_VALUE_0=!f() { echo "username=x-access-token"; echo "password=$`+tokenEnvVar+`"; }; f`,
		)
	}

	return env, nil
}
