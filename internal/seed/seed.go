package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/queue"
)

// File is the TOML layout of a seed file:
//
//	[[organization]]
//	owner = "operator-1"
//	name = "Downtown Pharmacy"
//	service_type = "pharmacy"
//	stations = 3
type File struct {
	Organizations []Organization `toml:"organization"`
}

type Organization struct {
	Owner       string `toml:"owner"`
	Name        string `toml:"name"`
	ServiceType string `toml:"service_type"`
	Stations    int    `toml:"stations"`
}

type Creator interface {
	CreateOrganization(ctx context.Context, actor queue.Actor, name, serviceType string, stationCount int) (models.Organization, []models.Station, error)
}

func LoadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (File, error) {
	var file File
	meta, err := toml.NewDecoder(r).Decode(&file)
	if err != nil {
		return File{}, fmt.Errorf("decode seed file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("decode seed file: unknown key %s", undecoded[0])
	}
	for i, org := range file.Organizations {
		if org.Owner == "" || org.Name == "" {
			return File{}, fmt.Errorf("organization %d: owner and name are required", i+1)
		}
		if org.Stations < 1 {
			return File{}, fmt.Errorf("organization %q: stations must be at least 1", org.Name)
		}
	}
	return file, nil
}

// Apply creates every organization in order and returns what was created.
func Apply(ctx context.Context, creator Creator, file File) ([]models.Organization, error) {
	created := make([]models.Organization, 0, len(file.Organizations))
	for _, org := range file.Organizations {
		result, _, err := creator.CreateOrganization(ctx, queue.Actor{OperatorID: org.Owner}, org.Name, org.ServiceType, org.Stations)
		if err != nil {
			return created, fmt.Errorf("seed organization %q: %w", org.Name, err)
		}
		created = append(created, result)
	}
	return created, nil
}
