package config_test

import (
	"fmt"
	"os"

	"github.com/ajitpratap0/nebula-pdk/pkg/config"
)

// ExampleDefaultRuntimeConfig shows the defaults a host starts from.
func ExampleDefaultRuntimeConfig() {
	cfg := config.DefaultRuntimeConfig()

	fmt.Printf("Event Batch Size: %d\n", cfg.Flow.EventBatchSize)
	fmt.Printf("Sample Size: %d\n", cfg.Flow.SampleSize)
	fmt.Printf("Reload Interval: %s\n", cfg.Plugins.ReloadInterval)

	// Output:
	// Event Batch Size: 1000
	// Sample Size: 10
	// Reload Interval: 10s
}

// ExampleLoadBytes demonstrates environment substitution in a flow file.
func ExampleLoadBytes() {
	_ = os.Setenv("EXAMPLE_PG_HOST", "db.internal")
	defer os.Unsetenv("EXAMPLE_PG_HOST")

	var node struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	}
	data := []byte("host: ${EXAMPLE_PG_HOST}\nport: ${EXAMPLE_PG_PORT:-5432}\n")
	if err := config.LoadBytes(data, &node); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(node.Host, node.Port)

	// Output:
	// db.internal 5432
}
