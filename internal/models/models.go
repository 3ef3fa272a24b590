package models

type (
	Config struct {
		// Connection/Auth
		ApiKey     string `toml:"ApiKey"`
		TimeoutSec int    `toml:"TimeoutSec"`
		Proxy      string `toml:"Proxy"`
		DisableSsl bool   `toml:"DisableSsl"`

		// Paths
		DownloadPath   string            `toml:"DownloadPath"`
		DatabasePath   string            `toml:"DatabasePath"`
		BleveIndexPath string            `toml:"BleveIndexPath"`
		ModelPaths     map[string]string `toml:"ModelPaths"` // model type -> directory

		// Acquisition behaviour
		SavePreview       bool `toml:"SavePreview"`
		SaveMetadata      bool `toml:"SaveMetadata"`
		MetadataRecursive bool `toml:"MetadataRecursive"`
		HideEarlyAccess   bool `toml:"HideEarlyAccess"`
		Concurrency       int  `toml:"Concurrency"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// Search parameters for the /models endpoint.
	QueryParameters struct {
		Query      string   `json:"query,omitempty"`
		Types      []string `json:"types,omitempty"`
		BaseModels []string `json:"baseModels,omitempty"`
		Sort       string   `json:"sort,omitempty"`
		Limit      int      `json:"limit"`
		Nsfw       bool     `json:"nsfw"`
	}

	Model struct {
		ID            int            `json:"id"`
		Name          string         `json:"name"`
		Description   string         `json:"description"`
		Type          string         `json:"type"`
		Poi           bool           `json:"poi"`
		Nsfw          bool           `json:"nsfw"`
		Stats         Stats          `json:"stats"`
		Creator       Creator        `json:"creator"`
		Tags          []string       `json:"tags"`
		ModelVersions []ModelVersion `json:"modelVersions"`
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// Nested 'model' field of the /model-versions endpoints.
	BaseModelInfo struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Nsfw        bool   `json:"nsfw"`
		Poi         bool   `json:"poi"`
		Description string `json:"description"`
		Mode        string `json:"mode"` // null, "Archived", "TakenDown"
	}

	ModelVersion struct {
		ID                  int           `json:"id"`
		ModelId             int           `json:"modelId"`
		Name                string        `json:"name"`
		PublishedAt         string        `json:"publishedAt"`
		UpdatedAt           string        `json:"updatedAt"`
		TrainedWords        []string      `json:"trainedWords"`
		BaseModel           string        `json:"baseModel"`
		EarlyAccessDeadline string        `json:"earlyAccessDeadline"`
		Description         string        `json:"description"`
		Stats               Stats         `json:"stats"`
		Files               []File        `json:"files"`
		Images              []ModelImage  `json:"images"`
		DownloadUrl         string        `json:"downloadUrl"`
		Model               BaseModelInfo `json:"model"`
	}

	File struct {
		Name             string   `json:"name"`
		ID               int      `json:"id"`
		SizeKB           float64  `json:"sizeKB"`
		Type             string   `json:"type"`
		Metadata         Metadata `json:"metadata"`
		PickleScanResult string   `json:"pickleScanResult"`
		VirusScanResult  string   `json:"virusScanResult"`
		Hashes           Hashes   `json:"hashes"`
		DownloadUrl      string   `json:"downloadUrl"`
		Primary          bool     `json:"primary"`
	}

	Metadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	ModelImage struct {
		ID     int    `json:"id"`
		URL    string `json:"url"`
		Type   string `json:"type"` // "image" or "video"
		Hash   string `json:"hash"` // Blurhash
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Nsfw   bool   `json:"nsfw"`
	}

	ApiResponse struct {
		Items    []Model            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	PaginationMetadata struct {
		TotalItems  int    `json:"totalItems"`
		CurrentPage int    `json:"currentPage"`
		PageSize    int    `json:"pageSize"`
		NextPage    string `json:"nextPage"`
		NextCursor  string `json:"nextCursor"`
	}

	// History record kept for every acquired or reconciled model file.
	DatabaseEntry struct {
		ModelID      int    `json:"modelId"`
		ModelName    string `json:"modelName"`
		ModelType    string `json:"modelType"`
		VersionID    int    `json:"versionId"`
		VersionName  string `json:"versionName"`
		BaseModel    string `json:"baseModel"`
		FileID       int    `json:"fileId"`
		SHA256       string `json:"sha256"`
		Path         string `json:"path"`
		Timestamp    int64  `json:"timestamp"`
		Status       string `json:"status"`
		ErrorDetails string `json:"errorDetails,omitempty"`
	}
)

// Database Status Constants
const (
	StatusDownloaded = "Downloaded"
	StatusReconciled = "Reconciled"
	StatusError      = "Error"
)
