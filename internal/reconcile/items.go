package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/kasipos/kasipos/internal/models"
	"gorm.io/datatypes"
)

func decodeSaleItems(s models.Sale) ([]models.SaleItem, error) {
	var items []models.SaleItem
	if len(s.Items) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(s.Items, &items); err != nil {
		return nil, fmt.Errorf("sale %s items: %w", s.SaleID, err)
	}
	return items, nil
}

func encodeSaleItems(s *models.Sale, items []models.SaleItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode sale items: %w", err)
	}
	s.Items = datatypes.JSON(raw)
	return nil
}
