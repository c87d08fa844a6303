package queue

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func toJSONArray(destinations []string) (datatypes.JSON, error) {
	if len(destinations) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(destinations)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
