package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "logctl",
	Short: "logctl uploads log files and inspects their processing",
	Long: `logctl talks to the log processing API.

Common workflows:

  Upload a file for analysis:
    logctl upload ./server.log

  Watch the queue:
    logctl status

  Inspect results:
    logctl stats
    logctl stats <job-id>
    logctl job <job-id>

Configuration:
  Set the API endpoint and user via flags, environment variables or a config file:
    LOGCTL_URL     API endpoint (default: http://localhost:8080)
    LOGCTL_USER    user id sent as X-User-ID`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".logctl")
		viper.SetConfigType("yaml")
	}

	// LOGCTL_URL, LOGCTL_USER
	viper.SetEnvPrefix("LOGCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func newClient() (*LogClient, error) {
	user := viper.GetString("user")
	if user == "" {
		return nil, errMissingUser
	}
	return NewLogClient(viper.GetString("url"), user), nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.logctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "API base URL")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("user", "u", "", "user id sent as X-User-ID")
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}
