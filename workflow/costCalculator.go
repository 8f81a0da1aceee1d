package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// CostBreakdown is the result of one product cost computation.
type CostBreakdown struct {
	MaterialCost   decimal.Decimal  `json:"material_cost"`
	LaborCost      decimal.Decimal  `json:"labor_cost"`
	OverheadCost   decimal.Decimal  `json:"overhead_cost"`
	TotalCost      decimal.Decimal  `json:"total_cost"`
	CostPerUnit    decimal.Decimal  `json:"cost_per_unit"`
	MarginPercent  *decimal.Decimal `json:"margin_percent"`
	MaterialsCount int              `json:"materials_count"`
	ComputedAt     time.Time        `json:"computed_at"`
}

// ComputeProductCost derives a product's cost breakdown from its bill of
// materials, the current material WACs, and the business cost setting. It is
// a pure function of its inputs: no I/O, no mutation, deterministic apart
// from the ComputedAt stamp.
//
// material_cost = sum over lines of quantity * material WAC
// overhead      = flat value, or percent of material_cost
// total         = material + labor + overhead
// cost_per_unit = total / max(servings, 1)
// margin        = (selling - cpu) / selling * 100, nil when selling <= 0
//
// A line whose material is missing or inactive fails the whole computation
// with a *utils.ComputationError naming the material: a partial cost is worse
// than no cost.
func ComputeProductCost(product *models.Product, setting *models.CostSetting, materials map[int]*models.Material) (*CostBreakdown, error) {
	materialCost := decimal.Zero
	for _, line := range product.Materials {
		material, ok := materials[line.MaterialId]
		if !ok {
			return nil, &utils.ComputationError{MaterialId: line.MaterialId, Reason: "material not found"}
		}
		if material.IsActive != nil && !*material.IsActive {
			return nil, &utils.ComputationError{MaterialId: material.ID, MaterialName: material.Name, Reason: "material is inactive"}
		}
		materialCost = materialCost.Add(line.Quantity.Mul(material.WeightedAverageCost))
	}
	materialCost = materialCost.Round(4)

	laborCost := setting.LaborCost
	var overheadCost decimal.Decimal
	switch setting.OverheadMode {
	case models.OverheadModePercentOfMaterial:
		overheadCost = materialCost.Mul(setting.OverheadValue).Div(oneHundred).Round(4)
	default:
		overheadCost = setting.OverheadValue
	}

	totalCost := materialCost.Add(laborCost).Add(overheadCost).Round(4)

	servings := product.Servings
	if servings < 1 {
		servings = 1
	}
	costPerUnit := totalCost.Div(decimal.NewFromInt(int64(servings))).Round(4)

	var marginPercent *decimal.Decimal
	if product.SellingPrice.IsPositive() {
		margin := product.SellingPrice.Sub(costPerUnit).
			Div(product.SellingPrice).Mul(oneHundred).Round(4)
		marginPercent = &margin
	}

	return &CostBreakdown{
		MaterialCost:   materialCost,
		LaborCost:      laborCost,
		OverheadCost:   overheadCost,
		TotalCost:      totalCost,
		CostPerUnit:    costPerUnit,
		MarginPercent:  marginPercent,
		MaterialsCount: len(product.Materials),
		ComputedAt:     time.Now().UTC(),
	}, nil
}

// CalculateProductCost loads the product, its materials and the business cost
// setting, then runs the pure computation. Read-only: persisting the result
// as a snapshot is the processor's job.
func CalculateProductCost(ctx context.Context, productId int) (*models.Product, *CostBreakdown, error) {
	product, err := models.GetProductWithMaterials(ctx, productId)
	if err != nil {
		return nil, nil, err
	}

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	setting, err := models.GetCostSetting(ctx, businessId)
	if err != nil {
		return nil, nil, err
	}

	materialIds := make([]int, 0, len(product.Materials))
	for _, line := range product.Materials {
		materialIds = append(materialIds, line.MaterialId)
	}
	materials, err := models.GetMaterialsByIds(ctx, materialIds)
	if err != nil {
		return nil, nil, err
	}

	breakdown, err := ComputeProductCost(product, setting, materials)
	if err != nil {
		return nil, nil, err
	}
	return product, breakdown, nil
}
