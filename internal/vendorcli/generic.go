package vendorcli

// Generic is the fallback adapter for undeclared or unknown vendors. It
// issues a single critical block and accepts any prompt during verification.
type Generic struct{}

func (g *Generic) VendorID() string { return "generic" }

func (g *Generic) Detect(transcript string) float64 { return 0.1 }

func (g *Generic) InitCommands() []string { return nil }

func (g *Generic) BootstrapCommands(p Params) ([]CommandBlock, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	lines, err := renderTemplate("generic.tmpl", p)
	if err != nil {
		return nil, err
	}
	return []CommandBlock{
		{Name: "Bootstrap", Commands: lines, Critical: true},
	}, nil
}

func (g *Generic) VerifyCommands(p Params) []string {
	return []string{"show ip interface brief"}
}

func (g *Generic) SaveCommands(p Params) []string {
	return []string{"write", "copy run start"}
}

func (g *Generic) ParseVerify(transcript string, p Params) VerifyResult {
	return VerifyResult{Success: true, Details: "Generic verification complete"}
}
