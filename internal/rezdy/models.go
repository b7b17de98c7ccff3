package rezdy

import "github.com/shopspring/decimal"

type requestStatus struct {
	Success bool   `json:"success"`
	Version string `json:"version,omitempty"`
	Error   *struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"error,omitempty"`
}

type PriceOption struct {
	ID        int64           `json:"id"`
	Label     string          `json:"label"`
	Price     decimal.Decimal `json:"price"`
	SeatsUsed int             `json:"seatsUsed,omitempty"`
}

type Image struct {
	ItemURL       string `json:"itemUrl"`
	ThumbnailURL  string `json:"thumbnailUrl,omitempty"`
	MediumSizeURL string `json:"mediumSizeUrl,omitempty"`
	LargeSizeURL  string `json:"largeSizeUrl,omitempty"`
}

type Product struct {
	ProductCode      string          `json:"productCode"`
	Name             string          `json:"name"`
	ShortDescription string          `json:"shortDescription,omitempty"`
	Description      string          `json:"description,omitempty"`
	ProductType      string          `json:"productType,omitempty"`
	Currency         string          `json:"currency,omitempty"`
	AdvertisedPrice  decimal.Decimal `json:"advertisedPrice"`
	PriceOptions     []PriceOption   `json:"priceOptions,omitempty"`
	DurationMinutes  int             `json:"durationMinutes,omitempty"`
	Images           []Image         `json:"images,omitempty"`
	LocationAddress  *Address        `json:"locationAddress,omitempty"`
}

type Address struct {
	AddressLine string  `json:"addressLine,omitempty"`
	City        string  `json:"city,omitempty"`
	State       string  `json:"state,omitempty"`
	PostCode    string  `json:"postCode,omitempty"`
	CountryCode string  `json:"countryCode,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// ProductPage is one page of a product listing.
type ProductPage struct {
	Products []Product `json:"products"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

type Category struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsVisible bool   `json:"isVisible"`
	Image     *Image `json:"image,omitempty"`
}

type CategoryPage struct {
	Categories []Category `json:"categories"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

type PickupLocation struct {
	LocationName           string  `json:"locationName"`
	Address                string  `json:"address,omitempty"`
	Latitude               float64 `json:"latitude,omitempty"`
	Longitude              float64 `json:"longitude,omitempty"`
	MinutesPrior           int     `json:"minutesPrior,omitempty"`
	AdditionalInstructions string  `json:"additionalInstructions,omitempty"`
}

type Session struct {
	ID             int64         `json:"id"`
	ProductCode    string        `json:"productCode"`
	StartTimeLocal string        `json:"startTimeLocal"`
	EndTimeLocal   string        `json:"endTimeLocal"`
	AllDay         bool          `json:"allDay,omitempty"`
	Seats          int           `json:"seats"`
	SeatsAvailable int           `json:"seatsAvailable"`
	PriceOptions   []PriceOption `json:"priceOptions,omitempty"`
}

// AvailabilityQuery selects sessions of one product between two local times.
type AvailabilityQuery struct {
	ProductCode string
	Start       string
	End         string
}

// envelope is the requestStatus block every Rezdy response carries.
type envelope struct {
	RequestStatus requestStatus `json:"requestStatus"`
}

func (e envelope) status() requestStatus { return e.RequestStatus }

type statusCarrier interface {
	status() requestStatus
}

type productsResponse struct {
	envelope
	Products []Product `json:"products"`
}

type productResponse struct {
	envelope
	Product *Product `json:"product"`
}

type categoriesResponse struct {
	envelope
	Categories []Category `json:"categories"`
}

type pickupsResponse struct {
	envelope
	PickupLocations []PickupLocation `json:"pickupLocations"`
}

type sessionsResponse struct {
	envelope
	Sessions []Session `json:"sessions"`
}
