package model

// BackupItem is one raw record of an entity table, as captured by a backup.
type BackupItem struct {
	Table                 string              `yaml:"table"`
	OrganisationID        string              `yaml:"organisationId"`
	ID                    string              `yaml:"id"`
	Revision              int64               `yaml:"revision"`
	Item                  *BackupPayload      `yaml:"item,omitempty"`
	Links                 map[string][]string `yaml:"links,omitempty"`
	Deleted               bool                `yaml:"deleted,omitempty"`
	History               bool                `yaml:"history,omitempty"`
	Hashed                bool                `yaml:"hashed,omitempty"`
	ParallelHash          string              `yaml:"parallelHash,omitempty"`
	SecondaryGlobal       string              `yaml:"secondaryGlobal,omitempty"`
	SecondaryOrganisation string              `yaml:"secondaryOrganisation,omitempty"`
}

type BackupPayload struct {
	ID        string         `yaml:"id"`
	CreatedAt int64          `yaml:"createdAt"`
	UpdatedAt int64          `yaml:"updatedAt"`
	Data      map[string]any `yaml:"data,omitempty"`
}

// HistoryBackupItem is one raw history entry.
type HistoryBackupItem struct {
	Table              string         `yaml:"table"`
	OrganisationIDType string         `yaml:"organisationIdType"`
	IDRevision         string         `yaml:"idRevision"`
	ID                 string         `yaml:"id"`
	Revision           int64          `yaml:"revision"`
	UpdatedAt          int64          `yaml:"updatedAt"`
	Item               *BackupPayload `yaml:"item,omitempty"`
}
