package models

type OrderStatus string

const (
	OrderStatusDraft          OrderStatus = "Draft"
	OrderStatusPendingPayment OrderStatus = "PendingPayment"
	OrderStatusPaid           OrderStatus = "Paid"
	OrderStatusCancelled      OrderStatus = "Cancelled"
)

type OrderType string

const (
	OrderTypeCart       OrderType = "Cart"
	OrderTypeBackOffice OrderType = "BackOffice"
)

type OrderItemType string

const (
	OrderItemTypeTickets        OrderItemType = "Tickets"
	OrderItemTypePerUnitFees    OrderItemType = "PerUnitFees"
	OrderItemTypeEventFees      OrderItemType = "EventFees"
	OrderItemTypeDiscount       OrderItemType = "Discount"
	OrderItemTypeCreditCardFees OrderItemType = "CreditCardFees"
)

type PaymentMethod string

const (
	PaymentMethodCreditCard PaymentMethod = "CreditCard"
	PaymentMethodExternal   PaymentMethod = "External"
	PaymentMethodFree       PaymentMethod = "Free"
	PaymentMethodProvider   PaymentMethod = "Provider"
)

type PaymentProvider string

const (
	PaymentProviderExternal PaymentProvider = "External"
	PaymentProviderGlobee   PaymentProvider = "Globee"
	PaymentProviderFree     PaymentProvider = "Free"
	PaymentProviderStripe   PaymentProvider = "Stripe"
)

type PaymentStatus string

const (
	PaymentStatusAuthorized          PaymentStatus = "Authorized"
	PaymentStatusCompleted           PaymentStatus = "Completed"
	PaymentStatusRequested           PaymentStatus = "Requested"
	PaymentStatusRefunded            PaymentStatus = "Refunded"
	PaymentStatusUnpaid              PaymentStatus = "Unpaid"
	PaymentStatusPendingConfirmation PaymentStatus = "PendingConfirmation"
	PaymentStatusCancelled           PaymentStatus = "Cancelled"
	PaymentStatusDraft               PaymentStatus = "Draft"
	PaymentStatusUnknown             PaymentStatus = "Unknown"
	PaymentStatusPendingIpn          PaymentStatus = "PendingIpn"
)

type ExternalPaymentType string

const (
	ExternalPaymentTypeCash       ExternalPaymentType = "Cash"
	ExternalPaymentTypeCreditCard ExternalPaymentType = "CreditCard"
	ExternalPaymentTypeVoucher    ExternalPaymentType = "Voucher"
)

type TicketInstanceStatus string

const (
	TicketInstanceStatusAvailable TicketInstanceStatus = "Available"
	TicketInstanceStatusReserved  TicketInstanceStatus = "Reserved"
	TicketInstanceStatusPurchased TicketInstanceStatus = "Purchased"
	TicketInstanceStatusRedeemed  TicketInstanceStatus = "Redeemed"
	TicketInstanceStatusNullified TicketInstanceStatus = "Nullified"
)

var AllTicketInstanceStatuses = []TicketInstanceStatus{
	TicketInstanceStatusAvailable,
	TicketInstanceStatusReserved,
	TicketInstanceStatusPurchased,
	TicketInstanceStatusRedeemed,
	TicketInstanceStatusNullified,
}

type TicketPricingStatus string

const (
	TicketPricingStatusPublished TicketPricingStatus = "Published"
	TicketPricingStatusDeleted   TicketPricingStatus = "Deleted"
	TicketPricingStatusDefault   TicketPricingStatus = "Default"
)

type TicketTypeStatus string

const (
	TicketTypeStatusNoActivePricing TicketTypeStatus = "NoActivePricing"
	TicketTypeStatusPublished       TicketTypeStatus = "Published"
	TicketTypeStatusSoldOut         TicketTypeStatus = "SoldOut"
	TicketTypeStatusOnSaleSoon      TicketTypeStatus = "OnSaleSoon"
	TicketTypeStatusSaleEnded       TicketTypeStatus = "SaleEnded"
	TicketTypeStatusCancelled       TicketTypeStatus = "Cancelled"
	TicketTypeStatusDeleted         TicketTypeStatus = "Deleted"
)

type TicketTypeVisibility string

const (
	TicketTypeVisibilityAlways        TicketTypeVisibility = "Always"
	TicketTypeVisibilityHidden        TicketTypeVisibility = "Hidden"
	TicketTypeVisibilityWhenAvailable TicketTypeVisibility = "WhenAvailable"
)

type TicketTypeEndDateType string

const (
	EndDateTypeDoorTime   TicketTypeEndDateType = "DoorTime"
	EndDateTypeEventEnd   TicketTypeEndDateType = "EventEnd"
	EndDateTypeEventStart TicketTypeEndDateType = "EventStart"
	EndDateTypeManual     TicketTypeEndDateType = "Manual"
)

type EventStatus string

const (
	EventStatusDraft     EventStatus = "Draft"
	EventStatusPublished EventStatus = "Published"
	EventStatusClosed    EventStatus = "Closed"
)

type HoldType string

const (
	HoldTypeDiscount HoldType = "Discount"
	HoldTypeComp     HoldType = "Comp"
)

type CodeType string

const (
	CodeTypeAccess   CodeType = "Access"
	CodeTypeDiscount CodeType = "Discount"
)

type CartItemStatus string

const (
	CartItemStatusCodeExpired       CartItemStatus = "CodeExpired"
	CartItemStatusHoldExpired       CartItemStatus = "HoldExpired"
	CartItemStatusTicketNullified   CartItemStatus = "TicketNullified"
	CartItemStatusTicketNotReserved CartItemStatus = "TicketNotReserved"
	CartItemStatusValid             CartItemStatus = "Valid"
)

type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "Pending"
	TransferStatusCompleted TransferStatus = "Completed"
	TransferStatusCancelled TransferStatus = "Cancelled"
)

type RedeemResult string

const (
	RedeemResultSuccess            RedeemResult = "TicketRedeemSuccess"
	RedeemResultAlreadyRedeemed    RedeemResult = "TicketAlreadyRedeemed"
	RedeemResultInvalid            RedeemResult = "TicketInvalid"
	RedeemResultTransferInProgress RedeemResult = "TicketTransferInProcess"
)

type DomainEventType string

const (
	DomainEventOrderCreated                   DomainEventType = "OrderCreated"
	DomainEventOrderUpdated                   DomainEventType = "OrderUpdated"
	DomainEventOrderCompleted                 DomainEventType = "OrderCompleted"
	DomainEventOrderRefund                    DomainEventType = "OrderRefund"
	DomainEventOrderStatusUpdated             DomainEventType = "OrderStatusUpdated"
	DomainEventPaymentCreated                 DomainEventType = "PaymentCreated"
	DomainEventPaymentCompleted               DomainEventType = "PaymentCompleted"
	DomainEventPaymentRefund                  DomainEventType = "PaymentRefund"
	DomainEventPaymentProviderIPN             DomainEventType = "PaymentProviderIPN"
	DomainEventPaymentMethodCreated           DomainEventType = "PaymentMethodCreated"
	DomainEventTicketInstanceNullified        DomainEventType = "TicketInstanceNullified"
	DomainEventTicketInstanceRedeemed         DomainEventType = "TicketInstanceRedeemed"
	DomainEventTicketInstancePurchased        DomainEventType = "TicketInstancePurchased"
	DomainEventTicketInstanceAddedToHold      DomainEventType = "TicketInstanceAddedToHold"
	DomainEventTicketInstanceReleasedFromHold DomainEventType = "TicketInstanceReleasedFromHold"
	DomainEventTransferTicketStarted          DomainEventType = "TransferTicketStarted"
	DomainEventTransferTicketCompleted        DomainEventType = "TransferTicketCompleted"
	DomainEventTransferTicketCancelled        DomainEventType = "TransferTicketCancelled"
	DomainEventTicketTypeCreated              DomainEventType = "TicketTypeCreated"
	DomainEventTicketTypeCancelled            DomainEventType = "TicketTypeCancelled"
	DomainEventTicketTypeSoldOut              DomainEventType = "TicketTypeSoldOut"
	DomainEventTicketTypeSalesStarted         DomainEventType = "TicketTypeSalesStarted"
	DomainEventHoldCreated                    DomainEventType = "HoldCreated"
	DomainEventHoldQuantityChanged            DomainEventType = "HoldQuantityChanged"
	DomainEventCodeCreated                    DomainEventType = "CodeCreated"
	DomainEventTicketPricingCreated           DomainEventType = "TicketPricingCreated"
	DomainEventTicketPricingDeleted           DomainEventType = "TicketPricingDeleted"
	DomainEventTicketPricingUpdated           DomainEventType = "TicketPricingUpdated"
	DomainEventEventPublished                 DomainEventType = "EventPublished"
)

type DomainActionType string

const (
	DomainActionPaymentProviderIPN    DomainActionType = "PaymentProviderIPN"
	DomainActionReleaseHoldInventory  DomainActionType = "ReleaseHoldInventory"
	DomainActionMarketingContactsSync DomainActionType = "MarketingContactsEventUsersSync"
)

type DomainActionStatus string

const (
	DomainActionStatusPending         DomainActionStatus = "Pending"
	DomainActionStatusRetriesExceeded DomainActionStatus = "RetriesExceeded"
	DomainActionStatusErrored         DomainActionStatus = "Errored"
	DomainActionStatusSuccess         DomainActionStatus = "Success"
	DomainActionStatusCancelled       DomainActionStatus = "Cancelled"
)

type Table string

const (
	TableOrders          Table = "orders"
	TablePayments        Table = "payments"
	TablePaymentMethods  Table = "payment_methods"
	TableTicketInstances Table = "ticket_instances"
	TableTicketTypes     Table = "ticket_types"
	TableTicketPricing   Table = "ticket_pricing"
	TableHolds           Table = "holds"
	TableCodes           Table = "codes"
	TableEvents          Table = "events"
	TableTransfers       Table = "transfers"
)
