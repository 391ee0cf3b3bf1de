package banner

import (
	"fmt"

	"verifier/pkg/config"
	"verifier/pkg/logger"
)

const banner = `
██╗   ██╗███████╗██████╗ ██╗███████╗██╗███████╗██████╗
██║   ██║██╔════╝██╔══██╗██║██╔════╝██║██╔════╝██╔══██╗
██║   ██║█████╗  ██████╔╝██║█████╗  ██║█████╗  ██████╔╝
╚██╗ ██╔╝██╔══╝  ██╔══██╗██║██╔══╝  ██║██╔══╝  ██╔══██╗
 ╚████╔╝ ███████╗██║  ██║██║██║     ██║███████╗██║  ██║
  ╚═══╝  ╚══════╝╚═╝  ╚═╝╚═╝╚═╝     ╚═╝╚══════╝╚═╝  ╚═╝
`

// PrintWithEff prints the banner and the settings an operator needs to see
// before the first batch runs.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n\n", src)

	if eff.Config == nil {
		return
	}
	logger.LogConfigSummary("verifier", eff.Config.Summary())

	fmt.Println("== Production? =================================================")
	be := len(eff.Config.Server.APIKeys.Backend)
	ak := len(eff.Config.Server.APIKeys.Admin)
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required to submit requests)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for reports and manual runs)")
	}
	if eff.Config.Server.TLS.CertFile != "" {
		fmt.Println("- TLS: enabled")
	} else {
		fmt.Println("- TLS: disabled")
	}
	if eff.Config.Server.DisablePebbleWAL {
		fmt.Println("- Pebble WAL: disabled (queued requests may be lost on crash)")
	}
	if eff.Config.Logging.Audit.Enabled {
		fmt.Printf("- Audit log: enabled (rotates at %s)\n", eff.Config.Logging.Audit.MaxSize)
	} else {
		fmt.Println("- Audit log: disabled")
	}
	fmt.Println()
}
