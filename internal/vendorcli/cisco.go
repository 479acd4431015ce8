package vendorcli

import (
	"fmt"
	"regexp"
	"strings"
)

// Cisco drives IOS-style switches. The bootstrap stream splits into three
// blocks so that a save-phase failure does not undo an applied baseline.
type Cisco struct{}

func (c *Cisco) VendorID() string { return "cisco" }

func (c *Cisco) Detect(transcript string) float64 {
	low := strings.ToLower(transcript)
	if strings.Contains(low, "cisco") || strings.Contains(low, "ios") {
		return 0.9
	}
	return 0.0
}

// InitCommands disables output paging so long show output cannot stall a
// prompt-delimited read.
func (c *Cisco) InitCommands() []string {
	return []string{"terminal length 0"}
}

func (c *Cisco) BootstrapCommands(p Params) ([]CommandBlock, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	baseline, err := renderTemplate("cisco.tmpl", p)
	if err != nil {
		return nil, err
	}
	return []CommandBlock{
		{Name: "Enter Configuration", Commands: []string{"en", "conf t"}, Critical: true},
		{Name: "Apply Baseline", Commands: baseline, Critical: true},
		{Name: "Save Configuration", Commands: []string{"end", "write memory"}, Critical: false},
	}, nil
}

func (c *Cisco) VerifyCommands(p Params) []string {
	cmds := []string{"show ip interface brief", "show vlan brief", "show ip ssh"}
	if p.MgmtVLAN != nil {
		cmds = append(cmds, fmt.Sprintf("show running-config interface Vlan%d", *p.MgmtVLAN))
	}
	return cmds
}

func (c *Cisco) SaveCommands(p Params) []string {
	return []string{"write memory"}
}

// ParseVerify checks the concatenated verify transcript for the configured
// hostname, the management IP, an active row for the management VLAN, and an
// enabled SSH server.
func (c *Cisco) ParseVerify(transcript string, p Params) VerifyResult {
	var tasks []TaskResult
	var issues []string

	if p.Hostname != "" {
		promptRE := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(p.Hostname) + `[>#]`)
		passed := promptRE.MatchString(transcript) || strings.Contains(transcript, p.Hostname)
		tasks = append(tasks, checkTask("Verify Hostname", passed,
			fmt.Sprintf("Hostname set to %s", p.Hostname), "Hostname mismatch",
			"HOSTNAME_MATCH", "HOSTNAME_MISMATCH"))
		if !passed {
			issues = append(issues, "Hostname mismatch")
		}
	}

	if p.MgmtIP != "" {
		passed := strings.Contains(transcript, p.MgmtIP)
		tasks = append(tasks, checkTask("Verify IP Address", passed,
			fmt.Sprintf("IP %s found", p.MgmtIP), fmt.Sprintf("IP %s not found", p.MgmtIP),
			"IP_MATCH", "IP_MISMATCH"))
		if !passed {
			issues = append(issues, fmt.Sprintf("IP %s missing", p.MgmtIP))
		}
	}

	if p.MgmtVLAN != nil {
		vlanRE := regexp.MustCompile(fmt.Sprintf(`(?mi)^\s*%d\s+.*\bactive\b`, *p.MgmtVLAN))
		passed := vlanRE.MatchString(transcript)
		tasks = append(tasks, checkTask(fmt.Sprintf("Verify VLAN %d", *p.MgmtVLAN), passed,
			fmt.Sprintf("VLAN %d is active", *p.MgmtVLAN), fmt.Sprintf("VLAN %d not active/found", *p.MgmtVLAN),
			"VLAN_MATCH", "VLAN_MISMATCH"))
		if !passed {
			issues = append(issues, fmt.Sprintf("VLAN %d missing", *p.MgmtVLAN))
		}
	}

	sshPassed := strings.Contains(transcript, "SSH Enabled") || strings.Contains(transcript, "SSH ver")
	tasks = append(tasks, checkTask("Verify SSH", sshPassed,
		"SSH is enabled", "SSH disabled", "SSH_ENABLED", "SSH_DISABLED"))
	if !sshPassed {
		issues = append(issues, "SSH disabled")
	}

	success := len(issues) == 0
	details := "All checks passed"
	if !success {
		details = strings.Join(issues, "; ")
	}
	return VerifyResult{Success: success, Details: details, Tasks: tasks}
}

func checkTask(name string, passed bool, okMsg, failMsg, okCode, failCode string) TaskResult {
	if passed {
		return TaskResult{Name: name, Status: TaskSuccess, Message: okMsg, Code: okCode}
	}
	return TaskResult{Name: name, Status: TaskFailed, Message: failMsg, Code: failCode}
}
