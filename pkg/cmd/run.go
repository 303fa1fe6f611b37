package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-perso/pkg/console"
	"github.com/jeremyhahn/go-perso/pkg/perso"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one personalization pass against the connected device",
	Run: func(cmd *cobra.Command, args []string) {

		device, err := os.OpenFile(App.DevicePath, os.O_RDWR, 0)
		if err != nil {
			App.Logger.FatalError(err)
		}
		defer device.Close()

		key, err := App.EndorsementKey()
		if err != nil {
			App.Logger.FatalError(err)
		}

		root, err := App.RootCA()
		if err != nil {
			App.Logger.FatalError(err)
		}

		certInputs, err := App.CertGenInputs()
		if err != nil {
			App.Logger.FatalError(err)
		}

		tokenHash, err := App.TokenHashBytes()
		if err != nil {
			App.Logger.FatalError(err)
		}

		uart := console.NewUARTConsole(App.Logger, device)
		defer uart.Close()

		personalizer, err := perso.New(perso.Params{
			Logger:          App.Logger,
			Console:         uart,
			Key:             key,
			Root:            root,
			Timeout:         App.Timeout(),
			CertInputs:      certInputs,
			TokenHash:       tokenHash,
			DeviceHashOrder: App.HashByteOrder(),
		})
		if err != nil {
			App.Logger.FatalError(err)
		}

		if err := personalizer.Run(); err != nil {
			App.Logger.FatalError(err)
		}

		App.Logger.Info("personalization complete")
	},
}
