package index

import (
	"errors"
	"os"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "civitai.bleve"

// Item is one local model file in the search index, keyed by its SHA256.
// Fields are searchable by their JSON names, e.g. '+baseModel:SDXL'.
type Item struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	ModelName      string `json:"modelName"`
	VersionName    string `json:"versionName,omitempty"`
	ModelID        int    `json:"modelId,omitempty"`
	VersionID      int    `json:"versionId,omitempty"`
	BaseModel      string `json:"baseModel,omitempty"`
	BaseModelClass string `json:"baseModelClass,omitempty"`
	ActivationText string `json:"activationText,omitempty"`
	Description    string `json:"description,omitempty"`
	FilePath       string `json:"filePath"`
	DirectoryPath  string `json:"directoryPath,omitempty"`
}

// OpenOrCreateIndex opens the index at indexPath, creating it when absent.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at %s", indexPath)
		return bleve.New(indexPath, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("Opened existing index at %s", indexPath)
	return idx, nil
}

// OpenReadOnly opens an existing index for queries only. A missing index
// yields bleve.ErrorIndexPathDoesNotExist.
func OpenReadOnly(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	return bleve.OpenUsing(indexPath, map[string]interface{}{"read_only": true})
}

// IndexItem adds or replaces item.
func IndexItem(idx bleve.Index, item Item) error {
	return idx.Index(item.ID, item)
}

// SearchIndex runs a query-string search and returns up to limit hits with
// all stored fields.
func SearchIndex(idx bleve.Index, query string, limit int) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Fields = []string{"*"}
	if limit > 0 {
		req.Size = limit
	}
	return idx.Search(req)
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Infof("Deleting index at %s", indexPath)
	return os.RemoveAll(indexPath)
}
