package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-perso/pkg/app"
)

var (
	App        *app.App
	InitParams *app.AppInitParams
)

var rootCmd = &cobra.Command{
	Use:   app.Name,
	Short: "Factory personalization host",
	Long: `go-perso is the host side engine that personalizes a hardware
device during factory testing. It receives the device's manufacturing
objects over the device console, endorses certificate requests with a
local or Cloud KMS signing key, returns the endorsed certificates and
cryptographically confirms the bytes the device persisted match what
the host computed.`,
	TraverseChildren: true,
}

func init() {

	cobra.OnInitialize(func() {
		App = app.NewApp().Init(InitParams)
	})

	InitParams = &app.AppInitParams{}

	rootCmd.PersistentFlags().BoolVarP(&InitParams.Debug,
		"debug", "d", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringVarP(&InitParams.ConfigDir,
		"config-dir", "", "/etc/"+app.Name, "Configuration file directory")
	rootCmd.PersistentFlags().StringVarP(&InitParams.LogDir,
		"log-dir", "", "log", "Log directory")
	rootCmd.PersistentFlags().StringVarP(&InitParams.DevicePath,
		"device", "", "", "Device console path")

	viper.BindPFlags(rootCmd.PersistentFlags())
}

func Execute() error {
	return rootCmd.Execute()
}
